// Package auth verifies bearer tokens and extracts the caller's role.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"fleetdispatch/internal/model"
)

const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleDriver     = "driver"
)

var ErrUnauthorized = errors.New("unauthorized")

// Config selects the verification mode: dev (no signature, token is
// "role" or "role:driverId"), hmac (HS256) or rsa (RS256).
type Config struct {
	Mode            string `json:"mode"`
	HMACSecret      string `json:"hmac_secret"`
	RSAPublicKeyPEM string `json:"rsa_public_key_pem"`
	RSAPublicKey    string `json:"rsa_public_key_file"`
	RoleClaim       string `json:"role_claim"`
	DriverClaim     string `json:"driver_claim"`
}

func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "dev"
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.RoleClaim == "" {
		c.RoleClaim = "role"
	}
	if c.DriverClaim == "" {
		c.DriverClaim = "sub"
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case "dev":
	case "hmac":
		if c.HMACSecret == "" {
			return fmt.Errorf("auth.hmac_secret is required in hmac mode: %w", model.ErrInvalidInput)
		}
	case "rsa":
		if c.RSAPublicKeyPEM == "" && c.RSAPublicKey == "" {
			return fmt.Errorf("auth.rsa_public_key_pem or auth.rsa_public_key_file is required in rsa mode: %w", model.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("auth.mode %q is not one of dev, hmac, rsa: %w", c.Mode, model.ErrInvalidInput)
	}
	return nil
}

type Principal struct {
	Role     string `json:"role"`
	DriverID string `json:"driverId,omitempty"`
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanDispatch reports whether p may run dispatcher operations.
func (p Principal) CanDispatch() bool { return p.Role == RoleAdmin || p.Role == RoleDispatcher }

// CanActAs reports whether p may act for driverID.
func (p Principal) CanActAs(driverID string) bool {
	return p.CanDispatch() || (p.Role == RoleDriver && p.DriverID != "" && p.DriverID == driverID)
}

type Verifier struct {
	cfg    Config
	rsaKey *rsa.PublicKey
	parser *jwt.Parser
}

func NewVerifier(cfg Config) (*Verifier, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v := &Verifier{cfg: cfg}
	switch cfg.Mode {
	case "hmac":
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	case "rsa":
		pem := []byte(cfg.RSAPublicKeyPEM)
		if len(pem) == 0 {
			b, err := os.ReadFile(cfg.RSAPublicKey)
			if err != nil {
				return nil, fmt.Errorf("read rsa public key: %w", err)
			}
			pem = b
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse rsa public key: %w", err)
		}
		v.rsaKey = key
		v.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired())
	}
	return v, nil
}

func (v *Verifier) Mode() string { return v.cfg.Mode }

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.cfg.Mode == "dev" {
		role, driver, _ := strings.Cut(token, ":")
		if !validRole(role) {
			return Principal{}, fmt.Errorf("dev token %q: expected role or role:driverId: %w", token, ErrUnauthorized)
		}
		return Principal{Role: role, DriverID: driver}, nil
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if v.rsaKey != nil {
			return v.rsaKey, nil
		}
		return []byte(v.cfg.HMACSecret), nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%v: %w", err, ErrUnauthorized)
	}
	role, _ := claims[v.cfg.RoleClaim].(string)
	role = strings.ToLower(role)
	if !validRole(role) {
		return Principal{}, fmt.Errorf("role claim %q: %w", role, ErrUnauthorized)
	}
	driver, _ := claims[v.cfg.DriverClaim].(string)
	return Principal{Role: role, DriverID: driver}, nil
}

func validRole(r string) bool {
	switch r {
	case RoleAdmin, RoleDispatcher, RoleDriver:
		return true
	}
	return false
}
