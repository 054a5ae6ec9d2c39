package listapi

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Environment variables read by NewConfigFromEnv.
const (
	EnvAPIKey         = "LISTAPI_API_KEY"
	EnvListID         = "LISTAPI_LIST_ID"
	EnvDoubleOptIn    = "LISTAPI_DOUBLE_OPTIN"
	EnvSendWelcome    = "LISTAPI_SEND_WELCOME"
	EnvUpdateExisting = "LISTAPI_UPDATE_EXISTING"
	EnvDeleteMember   = "LISTAPI_DELETE_MEMBER"
	EnvSendGoodbye    = "LISTAPI_SEND_GOODBYE"
	EnvSendNotify     = "LISTAPI_SEND_NOTIFY"
)

// Config holds what is needed to build a Client.
type Config struct {
	// APIKey is the provider key, <hex>-<datacenter>.
	APIKey string `validate:"required,contains=-"`

	// ListID identifies the target list. Empty when the list is chosen per call,
	// as the controller does.
	ListID string

	Overrides Overrides
}

// NewConfigFromEnv creates a Config from environment variables. Boolean
// variables that do not parse are ignored.
func NewConfigFromEnv() Config {
	config := Config{
		APIKey: os.Getenv(EnvAPIKey),
		ListID: os.Getenv(EnvListID),
	}

	envBool := func(name string) *bool {
		v, ok := os.LookupEnv(name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil
		}
		return &b
	}

	config.Overrides = Overrides{
		DoubleOptIn:    envBool(EnvDoubleOptIn),
		SendWelcome:    envBool(EnvSendWelcome),
		UpdateExisting: envBool(EnvUpdateExisting),
		DeleteMember:   envBool(EnvDeleteMember),
		SendGoodbye:    envBool(EnvSendGoodbye),
		SendNotify:     envBool(EnvSendNotify),
	}

	return config
}

// Validate checks the API key shape.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			reason := fmt.Sprintf("failed %q check", verrs[0].Tag())
			switch verrs[0].Tag() {
			case "required":
				reason = "api key is required"
			case "contains":
				reason = "missing datacenter suffix"
			}
			return &ConfigurationError{Field: "apiKey", Reason: reason}
		}
		return fmt.Errorf("failed to validate config: %w", err)
	}
	return nil
}

// NewClient builds a Client for the configured list.
func (c Config) NewClient(opts ...ClientOption) (*Client, error) {
	return c.NewListClient(c.ListID, opts...)
}

// NewListClient builds a Client for listID with the configured key and settings.
func (c Config) NewListClient(listID string, opts ...ClientOption) (*Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return NewClient(c.APIKey, listID, c.Overrides, opts...)
}
