package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"messenger/internal/config"
	"messenger/internal/providers/twilio"
)

const (
	callbackMaxRetries = 3
	callbackRetryBase  = 250 * time.Millisecond
)

// messageResource mirrors the subset of the Twilio Message resource the API reads.
type messageResource struct {
	Sid          string  `json:"sid"`
	AccountSid   string  `json:"account_sid"`
	To           string  `json:"to"`
	From         string  `json:"from"`
	Body         string  `json:"body"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
	DateCreated  string  `json:"date_created"`
}

type errorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// outcome is what happens to one accepted send.
type outcome struct {
	finalStatus string
	errorCode   int
	errorText   string
	sendSent    bool
	// rejectCode makes the send itself fail with a 400 carrying this code.
	rejectCode int
}

type server struct {
	cfg      config.MockCarrierConfig
	outcomes []string
	next     uint64
	seq      uint64
	client   *http.Client

	mu       sync.Mutex
	messages map[string]*messageResource
}

func newServer(cfg config.MockCarrierConfig) *server {
	return &server{
		cfg:      cfg,
		outcomes: parseCSV(cfg.Outcomes),
		client:   &http.Client{Timeout: 5 * time.Second},
		messages: map[string]*messageResource{},
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages/{MessageSid}.json", s.handleFetch).Methods(http.MethodGet)
	return r
}

func (s *server) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return user == s.cfg.AccountSID && pass == s.cfg.AuthToken && mux.Vars(r)["AccountSid"] == s.cfg.AccountSID
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, 20003, "Authenticate")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.PostForm.Get("To") == "" {
		writeError(w, http.StatusBadRequest, 21604, "A 'To' phone number is required.")
		return
	}
	if r.PostForm.Get("Body") == "" {
		writeError(w, http.StatusBadRequest, 21602, "Message body is required.")
		return
	}
	if r.PostForm.Get("From") == "" {
		writeError(w, http.StatusBadRequest, 21603, "A 'From' phone number is required.")
		return
	}

	out := classifyOutcome(s.nextOutcome())
	if out.rejectCode != 0 {
		writeError(w, http.StatusBadRequest, out.rejectCode, fmt.Sprintf("Mock rejection %d", out.rejectCode))
		return
	}

	msg := &messageResource{
		Sid:         fmtSID(atomic.AddUint64(&s.seq, 1)),
		AccountSid:  s.cfg.AccountSID,
		To:          r.PostForm.Get("To"),
		From:        r.PostForm.Get("From"),
		Body:        r.PostForm.Get("Body"),
		Status:      "queued",
		DateCreated: time.Now().UTC().Format(time.RFC1123Z),
	}
	s.mu.Lock()
	s.messages[msg.Sid] = msg
	resp := *msg
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, resp)

	cb := r.PostForm.Get("StatusCallback")
	if cb == "" {
		cb = s.cfg.DefaultWebhookURL
	}
	go s.progress(msg.Sid, cb, out)
}

func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, 20003, "Authenticate")
		return
	}
	sid := mux.Vars(r)["MessageSid"]
	s.mu.Lock()
	msg, ok := s.messages[sid]
	var resp messageResource
	if ok {
		resp = *msg
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, 20404, "The requested resource was not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// progress walks a message through queued, sent and its final status, posting
// a signed callback for each step when a callback URL is known.
func (s *server) progress(sid, callbackURL string, out outcome) {
	steps := []outcome{{finalStatus: "queued"}}
	if out.sendSent {
		steps = append(steps, outcome{finalStatus: "sent"})
	}
	steps = append(steps, out)

	for _, step := range steps {
		if s.cfg.CallbackDelay > 0 {
			time.Sleep(s.cfg.CallbackDelay)
		}
		s.setStatus(sid, step)
		if callbackURL == "" {
			continue
		}
		form := url.Values{}
		form.Set("AccountSid", s.cfg.AccountSID)
		form.Set("MessageSid", sid)
		form.Set("SmsSid", sid)
		form.Set("MessageStatus", step.finalStatus)
		form.Set("SmsStatus", step.finalStatus)
		if step.errorCode != 0 {
			form.Set("ErrorCode", strconv.Itoa(step.errorCode))
			form.Set("ErrorMessage", step.errorText)
		}
		if err := s.postCallback(context.Background(), callbackURL, form); err != nil {
			slog.Error("mock callback failed", "err", err, "carrier_message_id", sid, "delivery_status", step.finalStatus)
		}
	}
}

func (s *server) setStatus(sid string, step outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[sid]
	if !ok {
		return
	}
	msg.Status = step.finalStatus
	if step.errorCode != 0 {
		code, text := step.errorCode, step.errorText
		msg.ErrorCode = &code
		msg.ErrorMessage = &text
	}
}

func (s *server) postCallback(ctx context.Context, callbackURL string, form url.Values) error {
	sig := twilio.Sign(s.cfg.AuthToken, callbackURL, form)
	var lastErr error
	for attempt := 0; attempt <= callbackMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(callbackRetryBase * time.Duration(1<<(attempt-1)))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(twilio.SignatureHeader, sig)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("callback status %d", resp.StatusCode)
		if !isRetryableStatus(resp.StatusCode) {
			return lastErr
		}
	}
	return lastErr
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (s *server) nextOutcome() string {
	i := atomic.AddUint64(&s.next, 1) - 1
	return s.outcomes[int(i%uint64(len(s.outcomes)))]
}

// classifyOutcome understands ok, undelivered, failed and bare numeric
// carrier error codes, which reject the send.
func classifyOutcome(raw string) outcome {
	kind := strings.ToLower(strings.TrimSpace(raw))
	switch kind {
	case "", "ok", "delivered":
		return outcome{finalStatus: "delivered", sendSent: true}
	case "undelivered":
		return outcome{finalStatus: "undelivered", errorCode: 30003, errorText: "Unreachable destination handset", sendSent: true}
	case "failed":
		return outcome{finalStatus: "failed", errorCode: 30008, errorText: "Unknown error"}
	}
	if code, err := strconv.Atoi(kind); err == nil && code > 0 {
		return outcome{rejectCode: code}
	}
	slog.Warn("unknown mock outcome, using ok", "outcome", raw)
	return outcome{finalStatus: "delivered", sendSent: true}
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, errorResponse{
		Code:     code,
		Message:  msg,
		MoreInfo: fmt.Sprintf("https://www.twilio.com/docs/errors/%d", code),
		Status:   status,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fmtSID(i uint64) string {
	return fmt.Sprintf("SM%032d", i)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
