package push

import (
	"context"
	"fmt"
	"net/http"
	"time"

	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
)

// expoDeviceNotRegistered is the Expo ticket error for uninstalled apps.
const expoDeviceNotRegistered = "DeviceNotRegistered"

// ExpoProvider sends through the Expo push service.
type ExpoProvider struct {
	client *expo.PushClient
}

// bearerTransport adds the Expo access token to every request.
type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(req)
}

// NewExpoProvider creates a provider. host overrides the Expo endpoint when
// set; accessToken is the app's Expo credential and may be empty for apps
// without enhanced push security.
func NewExpoProvider(host, accessToken string) *ExpoProvider {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	if accessToken != "" {
		httpClient.Transport = &bearerTransport{token: accessToken, next: http.DefaultTransport}
	}
	return &ExpoProvider{
		client: expo.NewPushClient(&expo.ClientConfig{Host: host, HTTPClient: httpClient}),
	}
}

// SendMulticast publishes one message per token so each gets its own ticket.
// A transport failure on the first token aborts the call. A later one stops
// the loop and marks that token and the untried rest with ErrTransient.
func (p *ExpoProvider) SendMulticast(ctx context.Context, msg Multicast) (MulticastResult, error) {
	res := MulticastResult{Errors: make([]error, len(msg.Tokens))}

	for i, raw := range msg.Tokens {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		token, err := expo.NewExponentPushToken(raw)
		if err != nil {
			res.Errors[i] = fmt.Errorf("%w: %v", ErrUnregisteredToken, err)
			res.FailureCount++
			continue
		}

		resp, err := p.client.Publish(&expo.PushMessage{
			To:       []expo.ExponentPushToken{token},
			Title:    msg.Title,
			Body:     msg.Body,
			Data:     msg.Data,
			Sound:    "default",
			Priority: expo.DefaultPriority,
		})
		if err != nil {
			if i == 0 {
				return res, fmt.Errorf("expo publish: %w", err)
			}
			for j := i; j < len(msg.Tokens); j++ {
				res.Errors[j] = fmt.Errorf("%w: expo publish: %v", ErrTransient, err)
			}
			return res, nil
		}
		if verr := resp.ValidateResponse(); verr != nil {
			if resp.Details["error"] == expoDeviceNotRegistered {
				verr = fmt.Errorf("%w: %v", ErrUnregisteredToken, verr)
			}
			res.Errors[i] = verr
			res.FailureCount++
			continue
		}
		res.SuccessCount++
	}
	return res, nil
}
