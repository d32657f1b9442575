package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// ClientConfig configures cmd/callclient, the headless call client.
type ClientConfig struct {
	Env string

	SignalingURL  string
	LedgerBaseURL string
	// AuthToken is the bearer token for both the ledger and signaling.
	AuthToken string

	LocalID   string
	LocalName string
	LocalRole string

	Media MediaConfig

	// NATSURL enables push wake-ups for incoming calls when set.
	NATSURL string

	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	LeaveGrace     time.Duration
}

type MediaConfig struct {
	// Strategy is direct (WebRTC) or managed (vendor SDK).
	Strategy  string
	AppID     string
	AppSecret string
	STUNURLs  []string
}

func LoadClient() (ClientConfig, error) {
	c := ClientConfig{}
	var parseErrs []error

	c.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.SignalingURL = strings.TrimSpace(os.Getenv("SIGNALING_URL"))
	c.LedgerBaseURL = strings.TrimSpace(os.Getenv("LEDGER_BASE_URL"))
	c.AuthToken = strings.TrimSpace(os.Getenv("AUTH_TOKEN"))

	c.LocalID = strings.TrimSpace(os.Getenv("LOCAL_ID"))
	c.LocalName = strings.TrimSpace(os.Getenv("LOCAL_NAME"))
	c.LocalRole = strings.TrimSpace(os.Getenv("LOCAL_ROLE"))

	c.Media.Strategy = strings.TrimSpace(os.Getenv("MEDIA_STRATEGY"))
	c.Media.AppID = strings.TrimSpace(os.Getenv("MEDIA_APP_ID"))
	c.Media.AppSecret = os.Getenv("MEDIA_APP_SECRET")
	c.Media.STUNURLs = splitList(os.Getenv("STUN_URLS"))

	c.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))

	c.RingTimeout, parseErrs = optionalDuration(parseErrs, "CALL_RING_TIMEOUT")
	c.ConnectTimeout, parseErrs = optionalDuration(parseErrs, "CALL_CONNECT_TIMEOUT")
	c.LeaveGrace, parseErrs = optionalDuration(parseErrs, "CALL_LEAVE_GRACE")

	if err := joinErrors(parseErrs); err != nil {
		return ClientConfig{}, err
	}
	c = c.withDefaults()
	if err := c.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return c, nil
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Media.Strategy == "" {
		c.Media.Strategy = "direct"
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.LeaveGrace <= 0 {
		c.LeaveGrace = time.Second
	}
	return c
}

func (c ClientConfig) Validate() error {
	var errs []error

	errs = validateEnv(errs, c.Env)
	errs = validateURL(errs, "SIGNALING_URL", c.SignalingURL, "ws", "wss")
	errs = validateURL(errs, "LEDGER_BASE_URL", c.LedgerBaseURL, "http", "https")
	if c.AuthToken == "" {
		errs = append(errs, errors.New("AUTH_TOKEN is required"))
	}

	if c.LocalID == "" {
		errs = append(errs, errors.New("LOCAL_ID is required"))
	}
	if c.LocalName == "" {
		errs = append(errs, errors.New("LOCAL_NAME is required"))
	}
	switch c.LocalRole {
	case "user", "therapist":
	default:
		errs = append(errs, fmt.Errorf("LOCAL_ROLE must be one of user, therapist, got %q", c.LocalRole))
	}

	switch c.Media.Strategy {
	case "direct", "managed":
	default:
		errs = append(errs, fmt.Errorf("MEDIA_STRATEGY must be one of direct, managed, got %q", c.Media.Strategy))
	}
	if c.Media.AppID == "" {
		errs = append(errs, errors.New("MEDIA_APP_ID is required"))
	}
	if c.Media.AppSecret == "" {
		errs = append(errs, errors.New("MEDIA_APP_SECRET is required"))
	}

	return joinErrors(errs)
}

func validateURL(errs []error, key, raw string, schemes ...string) []error {
	if raw == "" {
		return append(errs, fmt.Errorf("%s is required", key))
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return append(errs, fmt.Errorf("%s must be an absolute URL, got %q", key, raw))
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return errs
		}
	}
	return append(errs, fmt.Errorf("%s scheme must be one of %s, got %q", key, strings.Join(schemes, ", "), u.Scheme))
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
