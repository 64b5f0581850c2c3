package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NormalizePhone strips surrounding whitespace and inner spaces, dashes and
// parentheses. It does not validate E.164; the carrier does that.
func NormalizePhone(p string) string {
	return phoneStripper.Replace(strings.TrimSpace(p))
}

var phoneStripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")

// NewID returns prefix + "_" + ULID. ULIDs sort by creation time.
func NewID(prefix string) string {
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewMessageID() string { return NewID("msg") }

func NewUserID() string { return NewID("usr") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
