package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/avasylenko/pricewatch/internal/notify"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

type sentItem struct {
	chatID int64
	text   string
	photo  []byte
}

// fakeSender records deliveries and can fail a scripted number of times.
type fakeSender struct {
	mu       sync.Mutex
	sent     []sentItem
	failures []error
}

func (s *fakeSender) nextErr() error {
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *fakeSender) SendMessage(_ context.Context, chatID int64, text string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nextErr(); err != nil {
		return 0, err
	}
	s.sent = append(s.sent, sentItem{chatID: chatID, text: text})
	return int64(len(s.sent)), nil
}

func (s *fakeSender) SendPhoto(_ context.Context, chatID int64, caption string, photo []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nextErr(); err != nil {
		return 0, err
	}
	s.sent = append(s.sent, sentItem{chatID: chatID, text: caption, photo: photo})
	return int64(len(s.sent)), nil
}

func (s *fakeSender) items() []sentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentItem(nil), s.sent...)
}

func runPublisher(t *testing.T, p *Publisher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestPublisherPreservesOrder(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	p := New(s, 42, WithRate(rate.Inf))
	runPublisher(t, p)

	for i := 0; i < 5; i++ {
		p.Enqueue(Message{Text: fmt.Sprintf("msg-%d", i)})
	}

	require.Eventually(t, func() bool { return len(s.items()) == 5 },
		2*time.Second, 5*time.Millisecond)

	for i, item := range s.items() {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), item.text)
		assert.Equal(t, int64(42), item.chatID, "default chat id stamped")
	}
}

func TestPublisherRetryAfter(t *testing.T) {
	t.Parallel()

	s := &fakeSender{failures: []error{
		&notify.RetryAfterError{After: 10 * time.Millisecond},
	}}
	p := New(s, 1, WithRate(rate.Inf))
	runPublisher(t, p)

	start := time.Now()
	p.Enqueue(Message{Text: "throttled"})

	require.Eventually(t, func() bool { return len(s.items()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestPublisherDropsAfterRetries(t *testing.T) {
	t.Parallel()

	boom := errors.New("send failed")
	s := &fakeSender{failures: []error{boom, boom, boom}}
	p := New(s, 1, WithRate(rate.Inf), WithBackoff(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(Message{Text: "doomed"})
	p.Enqueue(Message{Text: "survivor"})

	require.Eventually(t, func() bool {
		items := s.items()
		return len(items) == 1 && items[0].text == "survivor"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPublisherPhotoPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		png.Encode(w, testImage(300, 400))
	}))
	defer srv.Close()

	s := &fakeSender{}
	p := New(s, 1, WithRate(rate.Inf), WithComposer(NewComposer()))
	runPublisher(t, p)

	p.Enqueue(Message{
		Text:     "caption",
		ImageURL: srv.URL + "/img.png",
		Overlay:  &Overlay{Price: "€80", Discount: 20},
	})

	require.Eventually(t, func() bool { return len(s.items()) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, s.items()[0].photo)
}

func TestPublisherImageFailureDegradesToText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := &fakeSender{}
	p := New(s, 1, WithRate(rate.Inf), WithComposer(NewComposer()))
	runPublisher(t, p)

	p.Enqueue(Message{Text: "still delivered", ImageURL: srv.URL + "/gone.png"})

	require.Eventually(t, func() bool { return len(s.items()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Empty(t, s.items()[0].photo)
	assert.Equal(t, "still delivered", s.items()[0].text)
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: 120, B: 90, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestComposePortraitStripBelow(t *testing.T) {
	t.Parallel()

	c := NewComposer()
	out, err := c.Compose(encodePNG(t, testImage(300, 450)), Overlay{Price: "€80", Discount: 20})
	require.NoError(t, err)

	decoded, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format, "large frame is jpeg encoded")
	assert.Equal(t, 300, decoded.Bounds().Dx())
	assert.Greater(t, decoded.Bounds().Dy(), 450, "strip adds height")
}

func TestComposeUpscaledIsPNG(t *testing.T) {
	t.Parallel()

	c := NewComposer(WithUpscale(true, UpscaleLanczos))
	out, err := c.Compose(encodePNG(t, testImage(200, 260)), Overlay{Price: "€80", Discount: 20})
	require.NoError(t, err)

	decoded, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 400, decoded.Bounds().Dx(), "doubled width")
}

func TestComposeEDSRFallsBackToLanczos(t *testing.T) {
	t.Parallel()

	c := NewComposer(WithUpscale(true, UpscaleEDSR))
	out, err := c.Compose(encodePNG(t, testImage(100, 100)), Overlay{Price: "₴900"})
	require.NoError(t, err)

	decoded, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 200, decoded.Bounds().Dx())
}

func TestComposeRejectsGarbage(t *testing.T) {
	t.Parallel()

	c := NewComposer()
	_, err := c.Compose([]byte("not an image"), Overlay{Price: "€1"})
	assert.Error(t, err)
}

func TestComposeDecodesJPEGInput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(500, 300), nil))

	c := NewComposer()
	out, err := c.Compose(buf.Bytes(), Overlay{Price: "£75", Discount: 50})
	require.NoError(t, err)

	decoded, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 500, decoded.Bounds().Dx())
	assert.Greater(t, decoded.Bounds().Dy(), 300, "landscape strip goes on top")
}

func TestFormatPrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amount   float64
		currency string
		want     string
	}{
		{80, "EUR", "€80"},
		{1234.5, "EUR", "€1234.50"},
		{75, "GBP", "£75"},
		{900, "UAH", "₴900"},
		{1299, "PLN", "zł1299"},
		{10, "CHF", "CHF10"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FormatPrice(tt.amount, tt.currency))
		})
	}
}

func TestNewListingMessageText(t *testing.T) {
	t.Parallel()

	l := domain.Listing{
		Source:   domain.SourceLyst,
		ID:       "a",
		Name:     "Nike Air Max 97",
		Region:   "PL",
		Store:    "END.",
		Original: 100,
		Sale:     80,
		Currency: "EUR",
		ImageURL: "https://img/a.jpg",
		Link:     "https://example.com/a",
	}

	m := newListingMessage(l, 7)
	assert.Equal(t, int64(7), m.ChatID)
	assert.Contains(t, m.Text, "-20%")
	assert.Contains(t, m.Text, "€100")
	assert.Contains(t, m.Text, "€80")
	assert.Contains(t, m.Text, "Nike Air Max 97")
	require.NotNil(t, m.Overlay)
	assert.Equal(t, 20, m.Overlay.Discount)
}

func TestPriceChangeMessageText(t *testing.T) {
	t.Parallel()

	l := domain.Listing{
		Name:     "Кросівки Salomon",
		Region:   "UA",
		Store:    "Київ",
		Original: 80,
		Sale:     60,
		Currency: "EUR",
		Link:     "https://example.com/a",
	}

	m := priceChangeMessage(l, 80, 7)
	assert.Contains(t, m.Text, "€80")
	assert.Contains(t, m.Text, "€60")
	assert.Contains(t, m.Text, "📉")
}
