package notify

import (
	"context"
	"devicefleet/internal/dedup"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDump = `Current Notification Manager state:
  Notification List:
    NotificationRecord(0x0a1b2c3d: pkg=com.whatsapp.w4b user=UserHandle{0} id=1 tag=null importance=4 key=0|com.whatsapp.w4b|1|null|10234: Notification(channel=individual_chat_defaults)
      when=1718000000000
      extras={
        android.title=String (Maria Silva)
        android.text=String (Oi, meu numero é 11 98765-4321)
      }
    NotificationRecord{0x0b2c3d4e: pkg=com.whatsapp.w4b user=UserHandle{0} id=2
      when=1718000005000
      extras={
        android.title=WhatsApp Business
        android.text=3 mensagens de 2 conversas
      }
    NotificationRecord(0x0c3d4e5f: pkg=com.android.systemui user=UserHandle{0} id=3
      extras={
        android.title=String (USB debugging connected)
        android.text=String (Tap to turn off)
      }
    NotificationRecord(0x0d4e5f60: pkg=com.whatsapp user=UserHandle{0} id=4
      when=1718000009000
      extras={
        android.title=+55 11 91234-5678
        android.text=short
        android.bigText=String (long message body)
      }
`

func TestParse(t *testing.T) {
	now := time.UnixMilli(1718000099000)
	got := Parse(sampleDump, now)

	require.Len(t, got, 2)
	assert.Equal(t, Notification{
		App:     "com.whatsapp.w4b",
		Title:   "Maria Silva",
		Message: "Oi, meu numero é 11 98765-4321",
		When:    1718000000000,
	}, got[0])
	assert.Equal(t, "com.whatsapp", got[1].App)
	assert.Equal(t, "long message body", got[1].Message, "bigText wins over text")
}

func TestParse_NoChatApp(t *testing.T) {
	assert.Empty(t, Parse("NotificationRecord(pkg=com.android.systemui)", time.Now()))
}

func TestParse_MissingWhenUsesNow(t *testing.T) {
	dump := "NotificationRecord(0x1: pkg=com.whatsapp id=9\n android.title=String (Joao)\n android.text=String (bom dia)\n"
	now := time.UnixMilli(1718000123000)
	got := Parse(dump, now)
	require.Len(t, got, 1)
	assert.EqualValues(t, 1718000123000, got[0].When)
}

func TestExtractPhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+55 11 91234-5678", "5511912345678"},
		{"Oi, meu numero é (11) 98765-4321", "11987654321"},
		{"Maria Silva", ""},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ExtractPhone(tc.in), tc.in)
	}
}

type staticShell struct {
	out string
	err error
}

func (s staticShell) Shell(context.Context, string, string) (string, error) { return s.out, s.err }

type memLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *memLog) AppendEventLog(_ context.Context, line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
	return nil
}

type webhookRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (w *webhookRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		w.mu.Lock()
		w.events = append(w.events, ev)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}
}

func (w *webhookRecorder) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestPollDevice_DeliversOnce(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	events := &memLog{}
	p := NewPoller(staticShell{out: sampleDump}, nil, dedup.NewCache(), srv.URL, WithEventLog(events))

	n, err := p.PollDevice(context.Background(), "cel01", "emulator-5554")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = p.PollDevice(context.Background(), "cel01", "emulator-5554")
	require.NoError(t, err)
	assert.Zero(t, n, "same notifications are suppressed")

	require.Equal(t, 2, rec.Len())
	first := rec.events[0]
	assert.Equal(t, "cel01", first.Device)
	assert.Equal(t, "Maria Silva", first.Title)
	assert.Equal(t, "2024-06-10T06:13:20.000Z", first.Timestamp)
	require.NotNil(t, first.Phone)
	assert.Equal(t, "11987654321", *first.Phone)

	second := rec.events[1]
	require.NotNil(t, second.Phone)
	assert.Equal(t, "5511912345678", *second.Phone)

	assert.Len(t, events.lines, 2)
}

func TestPollDevice_WebhookFailureNotCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPoller(staticShell{out: sampleDump}, nil, dedup.NewCache(), srv.URL)
	n, err := p.PollDevice(context.Background(), "cel01", "emulator-5554")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPollDevice_ShellError(t *testing.T) {
	p := NewPoller(staticShell{err: errors.New("device offline")}, nil, dedup.NewCache(), "http://127.0.0.1:0")
	_, err := p.PollDevice(context.Background(), "cel01", "emulator-5554")
	assert.Error(t, err)
}

func TestRun_PollsTargets(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	targets := func() map[string]string {
		return map[string]string{"cel01": "emulator-5554", "cel02": "emulator-5556", "cel03": ""}
	}
	p := NewPoller(staticShell{out: sampleDump}, targets, dedup.NewCache(), srv.URL, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// two notifications per device with an id
	require.Eventually(t, func() bool { return rec.Len() == 4 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, rec.Len())

	cancel()
	<-done
	assert.False(t, p.Running())
}
