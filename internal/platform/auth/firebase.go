package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/platform/config"
)

// ErrUserNotFound is returned by LookupCustomer for unknown uids.
var ErrUserNotFound = errors.New("auth: user not found")

type firebaseUsers interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// FirebaseClient verifies ID tokens and reads user profiles through the Admin SDK.
type FirebaseClient struct {
	users   firebaseUsers
	timeout time.Duration
}

// NewFirebaseClient initialises the Admin SDK for cfg.ProjectID.
func NewFirebaseClient(ctx context.Context, cfg config.FirebaseConfig) (*FirebaseClient, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase auth: %w", err)
	}
	return &FirebaseClient{users: client, timeout: defaultVerifyTimeout}, nil
}

// VerifyIDToken implements TokenVerifier.
func (c *FirebaseClient) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.users.VerifyIDToken(ctx, idToken)
}

// LookupCustomer returns the contact details used on carrier payloads.
func (c *FirebaseClient) LookupCustomer(ctx context.Context, uid string) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	record, err := c.users.GetUser(ctx, uid)
	if err != nil {
		if firebaseauth.IsUserNotFound(err) {
			return domain.Customer{}, fmt.Errorf("%w: %s", ErrUserNotFound, uid)
		}
		return domain.Customer{}, fmt.Errorf("auth: get user %s: %w", uid, err)
	}
	return domain.Customer{
		UserID:      record.UID,
		DisplayName: record.DisplayName,
		Email:       record.Email,
		Phone:       record.PhoneNumber,
	}, nil
}
