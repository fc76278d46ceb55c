package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/waterjunction/api/internal/domain"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultTokenLifetime = 24 * time.Hour
	defaultWeightGrams   = 500
	tokenRefreshMargin   = 5 * time.Minute
	orderDateLayout      = "2006-01-02 15:04"
	maxResponseBytes     = 1 << 20

	// parcel dimensions in centimetres
	parcelLength  = 20
	parcelBreadth = 15
	parcelHeight  = 10
)

var (
	// ErrCarrier reports any carrier API failure.
	ErrCarrier = errors.New("shipping: carrier request failed")
	// ErrTimeout reports a carrier call that exceeded its deadline.
	ErrTimeout = errors.New("shipping: carrier timeout")
	// ErrNotConfigured reports missing carrier credentials.
	ErrNotConfigured = fmt.Errorf("%w: carrier credentials are not configured", ErrCarrier)
	// ErrUnknownStatus reports a carrier status label with no mapping.
	ErrUnknownStatus = fmt.Errorf("%w: unknown carrier status", ErrCarrier)
	// ErrUnexpectedResponse reports a response missing required fields.
	ErrUnexpectedResponse = fmt.Errorf("%w: unexpected response", ErrCarrier)
)

// Logger receives structured carrier events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures the carrier client.
type Config struct {
	BaseURL             string
	Email               string
	Password            string
	PickupLocation      string
	DefaultWeightGrams  int
	TrackingURLTemplate string
	Timeout             time.Duration
	HTTPClient          *http.Client
	Clock               func() time.Time
	Logger              Logger
}

// Customer is the consignee contact used on the label.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// Item is one line of the shipment manifest. UnitPrice is in minor units.
type Item struct {
	Name      string
	SKU       string
	Units     int
	UnitPrice int64
}

// ShipmentRequest is the payload for booking a prepaid shipment.
type ShipmentRequest struct {
	OrderID     string
	OrderNumber string
	OrderDate   time.Time
	Customer    Customer
	Address     domain.Address
	Items       []Item
	SubTotal    int64
	WeightGrams int
}

// Booking is a successful carrier booking.
type Booking struct {
	ShipmentID  int64
	AWB         string
	Courier     string
	TrackingURL string
}

// TrackingEvent is one scan reported by the carrier.
type TrackingEvent struct {
	Status   string     `json:"status"`
	Activity string     `json:"activity,omitempty"`
	Location string     `json:"location,omitempty"`
	At       *time.Time `json:"at,omitempty"`
}

// Tracking is the carrier's current view of a shipment.
type Tracking struct {
	AWB           string
	Status        domain.ShipmentStatus
	CarrierStatus string
	Courier       string
	TrackingURL   string
	Events        []TrackingEvent
}

// Client talks to the carrier REST API. A login token is cached until it expires.
type Client struct {
	baseURL        string
	email          string
	password       string
	pickupLocation string
	weightGrams    int
	trackingURL    string
	http           *http.Client
	clock          func() time.Time
	logger         Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient builds the carrier client once at process start.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("shipping: base url is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	weight := cfg.DefaultWeightGrams
	if weight <= 0 {
		weight = defaultWeightGrams
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Client{
		baseURL:        baseURL,
		email:          strings.TrimSpace(cfg.Email),
		password:       cfg.Password,
		pickupLocation: strings.TrimSpace(cfg.PickupLocation),
		weightGrams:    weight,
		trackingURL:    strings.TrimSpace(cfg.TrackingURLTemplate),
		http:           client,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

type adhocOrderPayload struct {
	OrderID           string             `json:"order_id"`
	OrderDate         string             `json:"order_date"`
	PickupLocation    string             `json:"pickup_location"`
	BillingFirstName  string             `json:"billing_customer_name"`
	BillingLastName   string             `json:"billing_last_name"`
	BillingAddress    string             `json:"billing_address"`
	BillingAddress2   string             `json:"billing_address_2,omitempty"`
	BillingCity       string             `json:"billing_city"`
	BillingPincode    string             `json:"billing_pincode"`
	BillingState      string             `json:"billing_state"`
	BillingCountry    string             `json:"billing_country"`
	BillingEmail      string             `json:"billing_email"`
	BillingPhone      string             `json:"billing_phone"`
	ShippingIsBilling bool               `json:"shipping_is_billing"`
	OrderItems        []adhocItemPayload `json:"order_items"`
	PaymentMethod     string             `json:"payment_method"`
	CashOnDeliveryDue json.Number        `json:"cod_amount"`
	SubTotal          json.Number        `json:"sub_total"`
	Length            int                `json:"length"`
	Breadth           int                `json:"breadth"`
	Height            int                `json:"height"`
	Weight            json.Number        `json:"weight"`
}

type adhocItemPayload struct {
	Name         string      `json:"name"`
	SKU          string      `json:"sku"`
	Units        int         `json:"units"`
	SellingPrice json.Number `json:"selling_price"`
}

type adhocOrderResponse struct {
	OrderID    int64  `json:"order_id"`
	ShipmentID int64  `json:"shipment_id"`
	Status     string `json:"status"`
}

type assignAWBResponse struct {
	AWBAssignStatus int `json:"awb_assign_status"`
	Response        struct {
		Data struct {
			AWBCode     string `json:"awb_code"`
			CourierName string `json:"courier_name"`
		} `json:"data"`
	} `json:"response"`
}

// CreateShipment books a prepaid shipment and assigns an AWB. Both calls are
// made once; any failure is returned for the caller to record.
func (c *Client) CreateShipment(ctx context.Context, req ShipmentRequest) (Booking, error) {
	if len(req.Items) == 0 {
		return Booking{}, fmt.Errorf("%w: shipment has no items", ErrCarrier)
	}
	payload := c.buildAdhocPayload(req)

	var created adhocOrderResponse
	if err := c.do(ctx, http.MethodPost, "orders/create/adhoc", payload, &created); err != nil {
		return Booking{}, err
	}
	if created.ShipmentID == 0 {
		return Booking{}, fmt.Errorf("%w: missing shipment_id", ErrUnexpectedResponse)
	}

	var assigned assignAWBResponse
	if err := c.do(ctx, http.MethodPost, "courier/assign/awb", map[string]any{"shipment_id": created.ShipmentID}, &assigned); err != nil {
		return Booking{}, err
	}
	awb := strings.TrimSpace(assigned.Response.Data.AWBCode)
	courier := strings.TrimSpace(assigned.Response.Data.CourierName)
	if awb == "" || courier == "" {
		return Booking{}, fmt.Errorf("%w: awb assignment returned no awb or courier", ErrUnexpectedResponse)
	}

	c.logger(ctx, "shipping.awb_assigned", map[string]any{
		"orderId":    req.OrderID,
		"shipmentId": created.ShipmentID,
		"awb":        awb,
		"courier":    courier,
	})
	return Booking{
		ShipmentID:  created.ShipmentID,
		AWB:         awb,
		Courier:     courier,
		TrackingURL: c.TrackingURL(awb),
	}, nil
}

type trackResponse struct {
	TrackingData *struct {
		TrackURL string `json:"track_url"`
		ShipmentTrack []struct {
			AWBCode       string `json:"awb_code"`
			CourierName   string `json:"courier_name"`
			CurrentStatus string `json:"current_status"`
		} `json:"shipment_track"`
		Activities []struct {
			Date     string `json:"date"`
			Status   string `json:"status"`
			Activity string `json:"activity"`
			Location string `json:"location"`
		} `json:"shipment_track_activities"`
	} `json:"tracking_data"`
}

// Track fetches the current carrier status for awb.
func (c *Client) Track(ctx context.Context, awb string) (Tracking, error) {
	awb = strings.TrimSpace(awb)
	if awb == "" {
		return Tracking{}, fmt.Errorf("%w: awb is required", ErrCarrier)
	}
	var resp trackResponse
	if err := c.do(ctx, http.MethodGet, "courier/track/awb/"+url.PathEscape(awb), nil, &resp); err != nil {
		return Tracking{}, err
	}
	if resp.TrackingData == nil || len(resp.TrackingData.ShipmentTrack) == 0 {
		return Tracking{}, fmt.Errorf("%w: missing tracking data", ErrUnexpectedResponse)
	}
	current := resp.TrackingData.ShipmentTrack[0]
	status, err := MapStatus(current.CurrentStatus)
	if err != nil {
		return Tracking{}, err
	}

	events := make([]TrackingEvent, 0, len(resp.TrackingData.Activities))
	for _, activity := range resp.TrackingData.Activities {
		event := TrackingEvent{
			Status:   strings.TrimSpace(activity.Status),
			Activity: strings.TrimSpace(activity.Activity),
			Location: strings.TrimSpace(activity.Location),
		}
		if at, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(activity.Date)); err == nil {
			at = at.UTC()
			event.At = &at
		}
		events = append(events, event)
	}

	trackingURL := strings.TrimSpace(resp.TrackingData.TrackURL)
	if trackingURL == "" {
		trackingURL = c.TrackingURL(awb)
	}
	return Tracking{
		AWB:           awb,
		Status:        status,
		CarrierStatus: current.CurrentStatus,
		Courier:       current.CourierName,
		TrackingURL:   trackingURL,
		Events:        events,
	}, nil
}

// Cancel asks the carrier to cancel the shipment for awb.
func (c *Client) Cancel(ctx context.Context, awb string) error {
	awb = strings.TrimSpace(awb)
	if awb == "" {
		return fmt.Errorf("%w: awb is required", ErrCarrier)
	}
	return c.do(ctx, http.MethodPost, "orders/cancel/shipment/awbs", map[string]any{"awbs": []string{awb}}, nil)
}

// TrackingURL renders the public tracking page for awb.
func (c *Client) TrackingURL(awb string) string {
	if c.trackingURL == "" || awb == "" {
		return ""
	}
	if strings.Contains(c.trackingURL, "%s") {
		return fmt.Sprintf(c.trackingURL, url.PathEscape(awb))
	}
	return strings.TrimRight(c.trackingURL, "/") + "/" + url.PathEscape(awb)
}

func (c *Client) buildAdhocPayload(req ShipmentRequest) adhocOrderPayload {
	first, last := splitName(req.Customer.Name)
	weight := req.WeightGrams
	if weight <= 0 {
		weight = c.weightGrams
	}
	items := make([]adhocItemPayload, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, adhocItemPayload{
			Name:         item.Name,
			SKU:          item.SKU,
			Units:        item.Units,
			SellingPrice: majorUnits(item.UnitPrice),
		})
	}
	orderDate := req.OrderDate
	if orderDate.IsZero() {
		orderDate = c.clock()
	}
	orderRef := req.OrderNumber
	if orderRef == "" {
		orderRef = req.OrderID
	}
	return adhocOrderPayload{
		OrderID:           orderRef,
		OrderDate:         orderDate.Format(orderDateLayout),
		PickupLocation:    c.pickupLocation,
		BillingFirstName:  first,
		BillingLastName:   last,
		BillingAddress:    req.Address.Line1,
		BillingAddress2:   req.Address.Line2,
		BillingCity:       req.Address.City,
		BillingPincode:    req.Address.PostalCode,
		BillingState:      req.Address.State,
		BillingCountry:    req.Address.Country,
		BillingEmail:      req.Customer.Email,
		BillingPhone:      req.Customer.Phone,
		ShippingIsBilling: true,
		OrderItems:        items,
		PaymentMethod:     "Prepaid",
		CashOnDeliveryDue: json.Number("0"),
		SubTotal:          majorUnits(req.SubTotal),
		Length:            parcelLength,
		Breadth:           parcelBreadth,
		Height:            parcelHeight,
		Weight:            json.Number(decimal.NewFromInt(int64(weight)).Div(decimal.NewFromInt(1000)).StringFixed(3)),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	token, err := c.authToken(ctx)
	if err != nil {
		return err
	}
	status, raw, err := c.send(ctx, method, path, token, body)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.invalidateToken()
		return fmt.Errorf("%w: %s %s: token rejected", ErrCarrier, method, path)
	}
	if status >= 300 {
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrCarrier, method, path, status, snippet(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnexpectedResponse, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path, token string, body any) (int, []byte, error) {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: build url: %v", ErrCarrier, err)
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("shipping: encode %s: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: build request: %v", ErrCarrier, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, classifyTransportError(path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, classifyTransportError(path, err)
	}
	return resp.StatusCode, raw, nil
}

type loginResponse struct {
	Token string `json:"token"`
}

func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if c.token != "" && now.Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return c.token, nil
	}
	if c.email == "" || c.password == "" {
		return "", ErrNotConfigured
	}

	status, raw, err := c.send(ctx, http.MethodPost, "auth/login", "", map[string]string{
		"email":    c.email,
		"password": c.password,
	})
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return "", fmt.Errorf("%w: login rejected", ErrNotConfigured)
	}
	if status >= 300 {
		return "", fmt.Errorf("%w: login status %d", ErrCarrier, status)
	}
	var login loginResponse
	if err := json.Unmarshal(raw, &login); err != nil || strings.TrimSpace(login.Token) == "" {
		return "", fmt.Errorf("%w: login returned no token", ErrUnexpectedResponse)
	}

	c.token = strings.TrimSpace(login.Token)
	c.tokenExpiry = tokenExpiry(c.token, now)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// tokenExpiry reads exp from the token without verifying it; the carrier
// signs with a key we do not hold.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time.UTC()
	}
	return now.Add(defaultTokenLifetime)
}

func classifyTransportError(path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %s: %v", ErrTimeout, ErrCarrier, path, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w: %s: %v", ErrTimeout, ErrCarrier, path, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrCarrier, path, err)
}

func majorUnits(minor int64) json.Number {
	return json.Number(decimal.New(minor, -2).StringFixed(2))
}

func splitName(name string) (string, string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

func snippet(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
