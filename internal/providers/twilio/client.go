package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"messenger/internal/config"
	"messenger/internal/domain"
)

// StatusCallbackPath is where the carrier posts delivery status updates.
const StatusCallbackPath = "/webhooks/delivery-status"

const maxResponseBytes = 1 << 20

// Client talks to the Twilio Messages REST API.
type Client struct {
	cfg  config.CarrierConfig
	http *http.Client
}

// New validates that the credentials and the default sender are set. The
// returned error is a configuration CarrierError naming what is missing.
func New(cfg config.CarrierConfig, httpClient *http.Client) (*Client, error) {
	var missing []string
	if strings.TrimSpace(cfg.AccountSID) == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		missing = append(missing, "TWILIO_PHONE_NUMBER")
	}
	if len(missing) > 0 {
		return nil, configurationError(missing)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.SendTimeout}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

type messageResource struct {
	Sid          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Send submits one SMS. An empty from uses the configured sender number.
func (c *Client) Send(ctx context.Context, to, body, from string) (domain.SendReceipt, error) {
	if strings.TrimSpace(to) == "" {
		return domain.SendReceipt{}, argumentError("Phone number cannot be blank")
	}
	if strings.TrimSpace(body) == "" {
		return domain.SendReceipt{}, argumentError("Message body cannot be blank")
	}
	if utf8.RuneCountInString(body) > domain.MaxBodyLength {
		return domain.SendReceipt{}, argumentError(fmt.Sprintf("Message body exceeds %d characters", domain.MaxBodyLength))
	}
	if from == "" {
		from = c.cfg.FromNumber
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", body)
	if cb := StatusCallbackURL(c.cfg.PublicBaseURL); cb != "" {
		form.Set("StatusCallback", cb)
	}

	var res messageResource
	if err := c.do(ctx, http.MethodPost, c.messagesURL()+".json", form, &res); err != nil {
		return domain.SendReceipt{}, err
	}
	if res.Sid == "" {
		return domain.SendReceipt{}, &domain.CarrierError{Kind: domain.CarrierSend, Message: "Twilio response is missing the message sid"}
	}
	return domain.SendReceipt{CarrierMessageID: res.Sid, CarrierStatus: res.Status}, nil
}

// FetchStatus reads the current state of a previously sent message.
func (c *Client) FetchStatus(ctx context.Context, sid string) (domain.DeliveryUpdate, error) {
	if strings.TrimSpace(sid) == "" {
		return domain.DeliveryUpdate{}, argumentError("Message sid cannot be blank")
	}
	var res messageResource
	if err := c.do(ctx, http.MethodGet, c.messagesURL()+"/"+url.PathEscape(sid)+".json", nil, &res); err != nil {
		return domain.DeliveryUpdate{}, err
	}
	u := domain.DeliveryUpdate{
		CarrierMessageID: sid,
		Status:           domain.DeliveryStatus(res.Status),
		ErrorMessage:     res.ErrorMessage,
	}
	if res.ErrorCode != nil {
		u.ErrorCode = strconv.Itoa(*res.ErrorCode)
		if u.ErrorMessage == "" {
			u.ErrorMessage = describeCode(u.ErrorCode)
		}
	}
	return u, nil
}

func (c *Client) messagesURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/2010-04-01/Accounts/" + url.PathEscape(c.cfg.AccountSID) + "/Messages"
}

func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &domain.CarrierError{Kind: domain.CarrierSend, Message: "build request: " + err.Error(), Err: err}
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		msg := "Twilio request failed: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "Twilio request timed out"
		}
		return &domain.CarrierError{Kind: domain.CarrierSend, Message: msg, Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &domain.CarrierError{Kind: domain.CarrierSend, HTTPStatus: resp.StatusCode, Message: "read response: " + err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb apiErrorBody
		_ = json.Unmarshal(b, &eb)
		return apiError(resp.StatusCode, eb)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &domain.CarrierError{Kind: domain.CarrierSend, HTTPStatus: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

// StatusCallbackURL is empty when no public base URL is configured, which is
// the local setup: the carrier could not reach us anyway.
func StatusCallbackURL(publicBaseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if base == "" {
		return ""
	}
	return base + StatusCallbackPath
}

// Unconfigured stands in for a Client that could not be built. Every call
// fails with the construction error so each submission reports it.
type Unconfigured struct {
	Err error
}

func Misconfigured(err error) Unconfigured { return Unconfigured{Err: err} }

func (u Unconfigured) Send(context.Context, string, string, string) (domain.SendReceipt, error) {
	return domain.SendReceipt{}, u.Err
}

func (u Unconfigured) FetchStatus(context.Context, string) (domain.DeliveryUpdate, error) {
	return domain.DeliveryUpdate{}, u.Err
}
