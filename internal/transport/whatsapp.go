package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Twilio error codes that mean the destination number can never receive
// the message.
var twilioPermanentCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21408: true, // permission not enabled for region
	21614: true, // not a mobile number
	63003: true, // channel could not find the address
	63024: true, // invalid message recipient
}

// WhatsAppSender hands pre-rendered messages to Twilio's WhatsApp
// channel. Once Twilio accepts a message it owns delivery retries, so
// the sender only distinguishes accepted, rejected, and transport
// errors.
type WhatsAppSender struct {
	client *twilio.RestClient
	from   string
	logger *zap.Logger
}

type WhatsAppConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string // E.164, without the whatsapp: prefix
	Timeout    time.Duration
}

func NewWhatsAppSender(cfg WhatsAppConfig, logger *zap.Logger) (*WhatsAppSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("whatsapp sender requires twilio credentials and a from number")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	// The Twilio client does not take a per-request context, so a hung
	// provider call must be cut off by the transport itself.
	client.Client.SetTimeout(cfg.Timeout)

	return &WhatsAppSender{
		client: client,
		from:   cfg.FromNumber,
		logger: logger,
	}, nil
}

// Send submits the message and returns the provider's message sid.
func (s *WhatsAppSender) Send(ctx context.Context, toAddress, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &twilioapi.CreateMessageParams{}
	params.SetFrom(WhatsAppAddress(s.from))
	params.SetTo(WhatsAppAddress(toAddress))
	params.SetBody(body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) && twilioPermanentCodes[restErr.Code] {
			return "", &PermanentError{
				Reason: fmt.Sprintf("twilio rejected recipient (code %d)", restErr.Code),
				Err:    err,
			}
		}
		return "", fmt.Errorf("twilio send failed: %w", err)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}

	s.logger.Debug("whatsapp message accepted", zap.String("sid", sid))

	return sid, nil
}

// WhatsAppAddress prefixes an E.164 number with the channel scheme
// Twilio expects.
func WhatsAppAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
