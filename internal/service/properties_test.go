package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/knack-ai/knack/internal/domain"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// dispatchBefore mirrors the queue comparator: priority descending, then
// notBefore, then enqueue time, then id as the final tiebreak.
func dispatchBefore(a, b domain.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID.String() < b.ID.String()
}

func TestQueueDispatchOrderIsTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("ready items come back strictly in dispatch order", prop.ForAll(
		func(priorities, delays []int) bool {
			ksg := newTestKSG(t)
			q := NewQueueService(ksg, zap.NewNop())
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			now := base
			q.SetClock(func() time.Time { return now })

			ctx := context.Background()
			for i, p := range priorities {
				_, err := q.Enqueue(ctx, EnqueueRequest{
					Priority:  p,
					NotBefore: base.Add(-time.Duration(delays[i]) * time.Minute),
				})
				if err != nil {
					return false
				}
				now = now.Add(time.Second)
			}

			items, err := q.ListReady(ctx)
			if err != nil || len(items) != len(priorities) {
				return false
			}
			for i := 0; i+1 < len(items); i++ {
				if !dispatchBefore(items[i], items[i+1]) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 3)),
		gen.SliceOfN(6, gen.IntRange(0, 30)),
	))

	properties.TestingRun(t)
}

func plainForm(fields []string) string {
	var b strings.Builder
	b.WriteString("<html><body><form>")
	for _, f := range fields {
		fmt.Fprintf(&b, "<input name=%q type=\"text\">", f)
	}
	b.WriteString("</form></body></html>")
	return b.String()
}

func styledForm(fields []string) string {
	var b strings.Builder
	b.WriteString(`<html><body><form class="form-grid" style="margin:0">`)
	for i, f := range fields {
		fmt.Fprintf(&b, "<input id=\"fld-%d\" class=\"cell-%d\" name=%q type=\"text\">", i, i, f)
	}
	b.WriteString("</form></body></html>")
	return b.String()
}

func TestFormFingerprintIgnoresOrderAndStyling(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	fieldPool := []string{"email", "password", "username", "phone", "company", "newsletter"}

	properties.Property("permuted and restyled forms keep their fingerprint", prop.ForAll(
		func(n int, seed int64) bool {
			fields := fieldPool[:n]
			shuffled := append([]string(nil), fields...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			fp1, _, _, err1 := Fingerprint(plainForm(fields), "example.com", "/signup")
			fp2, _, _, err2 := Fingerprint(styledForm(shuffled), "example.com", "/signup")
			if err1 != nil || err2 != nil || fp1 != fp2 {
				return false
			}

			// An extra field is a different form.
			extended := append(append([]string(nil), fields...), "captcha")
			fp3, _, _, err3 := Fingerprint(plainForm(extended), "example.com", "/signup")
			return err3 == nil && fp3 != fp1
		},
		gen.IntRange(2, len(fieldPool)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
