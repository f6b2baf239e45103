package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsApp pushes messages through the Twilio WhatsApp Business API.
type WhatsApp struct {
	client *twilio.RestClient
	from   string
	logger zerolog.Logger
}

// NewWhatsApp constructs a WhatsApp notifier. from is the Twilio sender
// number, with or without the whatsapp: prefix.
func NewWhatsApp(accountSID, authToken, from string, timeout time.Duration, logger zerolog.Logger) *WhatsApp {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.Client.SetTimeout(timeout)

	return &WhatsApp{
		client: client,
		from:   whatsappAddr(from),
		logger: logger.With().Str("component", "notify_whatsapp").Logger(),
	}
}

// Send delivers text to a phone number. The Twilio SDK carries its own
// request timeout; the context is honoured before dispatch.
func (w *WhatsApp) Send(ctx context.Context, phone, text string) Delivery {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	if w.from == "" {
		return Failed(errors.New("whatsapp sender number not configured"))
	}

	params := &twilioapi.CreateMessageParams{}
	params.SetFrom(w.from)
	params.SetTo(whatsappAddr(phone))
	params.SetBody(text)

	resp, err := w.client.Api.CreateMessage(params)
	if err != nil {
		w.logger.Warn().Str("phone", phone).Err(err).Msg("whatsapp delivery failed")
		return Failed(fmt.Errorf("whatsapp: %w", err))
	}

	ref := ""
	if resp.Sid != nil {
		ref = *resp.Sid
	}
	w.logger.Info().Str("phone", phone).Str("message_ref", ref).Msg("whatsapp message sent")
	return Delivery{Success: true, MessageRef: ref}
}

func whatsappAddr(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

var _ Notifier = (*WhatsApp)(nil)
