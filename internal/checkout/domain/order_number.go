package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	orderNumberDateLayout = "20060102"
	orderNumberSeqDigits  = 4
	maxDailySequence      = 9999
)

// OrderNumber is YYYYMMDD (UTC) followed by a 4-digit daily sequence, e.g. 202506010001.
type OrderNumber string

func FormatOrderNumber(day time.Time, seq int) OrderNumber {
	return OrderNumber(fmt.Sprintf("%s%0*d", day.UTC().Format(orderNumberDateLayout), orderNumberSeqDigits, seq))
}

// OrderNumberPrefix is the date part shared by every order number of now's UTC day.
func OrderNumberPrefix(now time.Time) string {
	return now.UTC().Format(orderNumberDateLayout)
}

// NextOrderNumber derives the number following latest, the highest number
// already issued for now's day ("" when none). A latest number belonging to
// another day restarts the sequence at 1.
func NextOrderNumber(now time.Time, latest OrderNumber) (OrderNumber, error) {
	prefix := OrderNumberPrefix(now)
	seq := 1
	if s := string(latest); strings.HasPrefix(s, prefix) {
		n, err := strconv.Atoi(strings.TrimPrefix(s, prefix))
		if err != nil {
			return "", fmt.Errorf("order number %q: %w", s, err)
		}
		seq = n + 1
	}
	return SequencedOrderNumber(now, seq)
}

// SequencedOrderNumber is the order number holding seq for now's day. Stores
// that keep a per-day counter allocate seq and format it here.
func SequencedOrderNumber(now time.Time, seq int) (OrderNumber, error) {
	if seq > maxDailySequence {
		return "", ErrOrderNumberExhausted
	}
	if seq < 1 {
		return "", fmt.Errorf("order sequence %d out of range", seq)
	}
	return FormatOrderNumber(now, seq), nil
}

func (n OrderNumber) String() string { return string(n) }
