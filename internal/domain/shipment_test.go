package domain

import "testing"

func TestShipmentStatusAdvances(t *testing.T) {
	cases := []struct {
		from ShipmentStatus
		to   ShipmentStatus
		want bool
	}{
		{ShipmentStatusNone, ShipmentStatusCreated, true},
		{ShipmentStatusCreated, ShipmentStatusInTransit, true},
		{ShipmentStatusInTransit, ShipmentStatusPickedUp, false},
		{ShipmentStatusDelivered, ShipmentStatusInTransit, false},
		{ShipmentStatusDelivered, ShipmentStatusDelivered, false},
		{ShipmentStatusInTransit, ShipmentStatusRTO, true},
		{ShipmentStatusRTO, ShipmentStatusInTransit, false},
		{ShipmentStatusRTO, ShipmentStatusReturned, true},
		{"", ShipmentStatusCreated, true},
		{ShipmentStatusDelivered, ShipmentStatusCancelled, false},
		{ShipmentStatusDelivered, ShipmentStatusRTO, true},
		{ShipmentStatusDelivered, ShipmentStatusReturned, true},
		{ShipmentStatusReturned, ShipmentStatusCancelled, false},
		{ShipmentStatusCreated, ShipmentStatusCancelled, true},
	}
	for _, tc := range cases {
		if got := tc.from.Advances(tc.to); got != tc.want {
			t.Fatalf("%q -> %q: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}
