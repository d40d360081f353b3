// ABOUTME: Matrix implementation of platform.Provider built on mautrix
// ABOUTME: Logs accounts in with a password or an existing access token

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-agent/internal/platform"
)

// DefaultDeviceName is shown in the account's session list.
const DefaultDeviceName = "coven-agent"

// Config addresses a homeserver.
type Config struct {
	Homeserver string
	// CryptoDir enables end-to-end encryption with a store per account. Empty disables it.
	CryptoDir  string
	DeviceName string
	Logger     *slog.Logger
}

// Provider logs accounts into a single homeserver.
type Provider struct {
	cfg    Config
	logger *slog.Logger
}

var _ platform.Provider = (*Provider)(nil)

// NewProvider returns a Provider for cfg.Homeserver.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Homeserver == "" {
		return nil, errors.New("matrix homeserver is required")
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: cfg.Logger.With("component", "matrix")}, nil
}

// Login authenticates with an access token when one is given, otherwise with
// username and password.
func (p *Provider) Login(ctx context.Context, creds platform.Credentials) (platform.Handle, error) {
	var (
		client *mautrix.Client
		err    error
	)
	switch {
	case creds.AccessToken != "":
		client, err = mautrix.NewClient(p.cfg.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("creating matrix client: %w", err)
		}
		client.DeviceID = id.DeviceID(creds.DeviceID)
		whoami, err := client.Whoami(ctx)
		if err != nil {
			return nil, fmt.Errorf("validating access token: %w", err)
		}
		client.UserID = whoami.UserID
		if whoami.DeviceID != "" {
			client.DeviceID = whoami.DeviceID
		}

	case creds.Username != "" && creds.Password != "":
		client, err = mautrix.NewClient(p.cfg.Homeserver, "", "")
		if err != nil {
			return nil, fmt.Errorf("creating matrix client: %w", err)
		}
		_, err = client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: creds.Username,
			},
			Password:                 creds.Password,
			DeviceID:                 id.DeviceID(creds.DeviceID),
			InitialDeviceDisplayName: p.cfg.DeviceName,
			StoreCredentials:         true,
		})
		if err != nil {
			return nil, fmt.Errorf("matrix login: %w", err)
		}

	default:
		return nil, errors.New("matrix login needs an access token or a username and password")
	}

	client.Log = newZerolog(p.logger, client.UserID.String())
	logger := p.logger.With("user_id", client.UserID.String(), "device_id", client.DeviceID.String())
	logger.Info("logged in to matrix")

	h := newHandle(client, logger)
	if p.cfg.CryptoDir != "" {
		cm, err := setupCrypto(ctx, client, p.cfg.CryptoDir, logger)
		if err != nil {
			return nil, fmt.Errorf("setting up encryption: %w", err)
		}
		h.crypto = cm
	}
	return h, nil
}

// LoginQR is not offered by Matrix homeservers.
func (p *Provider) LoginQR(ctx context.Context, onQR func(platform.QRCode)) (platform.Handle, error) {
	return nil, platform.ErrUnsupported
}
