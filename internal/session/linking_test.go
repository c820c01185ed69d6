package session

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1700000000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLinker_IssueFormat(t *testing.T) {
	l := NewLinker(0, nil)
	code, _ := l.Issue("p")
	if len(code) != 6 {
		t.Fatalf("code %q length %d", code, len(code))
	}
	if strings.ToUpper(code) != code {
		t.Errorf("code %q not upper-case", code)
	}
}

func TestLinker_SingleUse(t *testing.T) {
	l := NewLinker(0, nil)
	code, _ := l.Issue("p")

	if err := l.Validate("p", strings.ToLower(code)); err != nil {
		t.Fatalf("first Validate = %v", err)
	}
	if err := l.Validate("p", code); err != ErrNoLinkingCode {
		t.Errorf("second Validate = %v, want ErrNoLinkingCode", err)
	}
}

func TestLinker_Mismatch(t *testing.T) {
	l := NewLinker(0, nil)
	code, _ := l.Issue("p")

	wrong := "ZZZZZZ"
	if code == wrong {
		wrong = "YYYYYY"
	}
	if err := l.Validate("p", wrong); err != ErrInvalidLinkingCode {
		t.Errorf("Validate(wrong) = %v", err)
	}
	if err := l.Validate("p", "bad"); err != ErrInvalidLinkingCode {
		t.Errorf("Validate(malformed) = %v", err)
	}
	// A failed attempt does not consume the code.
	if err := l.Validate("p", code); err != nil {
		t.Errorf("Validate(correct) after mismatch = %v", err)
	}
}

func TestLinker_Expiry(t *testing.T) {
	clk := newClock()
	l := NewLinker(2*time.Minute, clk.Now)
	code, _ := l.Issue("p")

	clk.Advance(119*time.Second + 500*time.Millisecond)
	if got, secs, ok := l.Peek("p"); !ok || got != code || secs != 1 {
		t.Errorf("Peek = %q %d %v, want %q 1 true", got, secs, ok, code)
	}

	clk.Advance(500 * time.Millisecond)
	if err := l.Validate("p", code); err != ErrLinkingCodeExpired {
		t.Errorf("Validate at expiry = %v", err)
	}
	if _, _, ok := l.Peek("p"); ok {
		t.Error("expired code still peekable")
	}
}

func TestLinker_PeekDoesNotConsume(t *testing.T) {
	clk := newClock()
	l := NewLinker(0, clk.Now)
	code, _ := l.Issue("p")

	_, secs, ok := l.Peek("p")
	if !ok || secs != 120 {
		t.Fatalf("Peek = %d %v", secs, ok)
	}
	if err := l.Validate("p", code); err != nil {
		t.Errorf("Validate after Peek = %v", err)
	}
}

func TestLinker_ReissueReplaces(t *testing.T) {
	l := NewLinker(0, nil)
	first, _ := l.Issue("p")
	second, _ := l.Issue("p")
	if first == second {
		t.Skip("random codes collided")
	}
	if err := l.Validate("p", first); err != ErrInvalidLinkingCode {
		t.Errorf("old code after reissue = %v", err)
	}
}

func TestLinker_ConcurrentConsume(t *testing.T) {
	l := NewLinker(0, nil)
	code, _ := l.Issue("p")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Validate("p", code) == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Errorf("%d concurrent validations succeeded, want 1", success)
	}
}

func TestLinker_Sweep(t *testing.T) {
	clk := newClock()
	l := NewLinker(time.Minute, clk.Now)
	l.Issue("a")
	clk.Advance(30 * time.Second)
	l.Issue("b")
	clk.Advance(30 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
	if l.Pending() != 1 {
		t.Errorf("Pending = %d", l.Pending())
	}
}
