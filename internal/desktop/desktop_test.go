package desktop

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notifyd/internal/notify"
	logx "notifyd/pkg/logx"
)

func encodePNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeImageData(t *testing.T) {
	t.Parallel()
	raw := encodePNG(t, 4, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	img, err := decodeImageData(raw, 128)
	require.NoError(t, err)
	require.Equal(t, int32(4), img.Width)
	require.Equal(t, int32(2), img.Height)
	require.Equal(t, int32(16), img.RowStride)
	require.True(t, img.HasAlpha)
	require.Equal(t, int32(8), img.BitsPerSample)
	require.Equal(t, int32(4), img.Channels)
	require.Len(t, img.Data, 32)
	require.Equal(t, []byte{10, 20, 30, 255}, img.Data[:4])
}

func TestDecodeImageDataScalesDown(t *testing.T) {
	t.Parallel()
	raw := encodePNG(t, 300, 100, color.NRGBA{R: 200, A: 255})

	img, err := decodeImageData(raw, 64)
	require.NoError(t, err)
	require.Equal(t, int32(64), img.Width)
	require.LessOrEqual(t, img.Height, int32(64))
	require.Equal(t, int(img.RowStride)*int(img.Height), len(img.Data))
}

func TestDecodeImageDataRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := decodeImageData([]byte("definitely not an image"), 64)
	require.Error(t, err)
}

func TestLogBackendTracksShown(t *testing.T) {
	t.Parallel()
	b := NewLogBackend(logx.Nop())
	ctx := context.Background()

	require.NoError(t, b.Notify(ctx, notify.ExternalKey(2), notify.Notification{ID: 2, Title: "a"}))
	require.NoError(t, b.Notify(ctx, notify.ExternalKey(1), notify.Notification{ID: 1, Title: "b"}))
	require.NoError(t, b.Notify(ctx, notify.ExternalKey(2), notify.Notification{ID: 2, Title: "c"}))
	require.Equal(t, []string{"flutter_local_notifications#1", "flutter_local_notifications#2"}, b.Shown())

	require.NoError(t, b.CloseNotification(ctx, notify.ExternalKey(2)))
	require.NoError(t, b.CloseNotification(ctx, "unknown"))
	require.Equal(t, []string{"flutter_local_notifications#1"}, b.Shown())
	require.Nil(t, b.Interactions())
	require.NoError(t, b.Close())
}

func TestOpenFallsBackToLog(t *testing.T) {
	// Point the session bus at nothing so the connect fails fast.
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/nonexistent/notifyd-test-bus")

	b, err := Open(Config{FallbackLog: true}, nil, logx.Nop())
	require.NoError(t, err)
	_, isLog := b.(*LogBackend)
	require.True(t, isLog)

	_, err = Open(Config{}, nil, logx.Nop())
	require.Error(t, err)
}

func TestExpireMillis(t *testing.T) {
	t.Parallel()
	require.Equal(t, int32(-1), Config{}.expireMillis())
	require.Equal(t, int32(1500), Config{ExpireTimeout: 1500 * time.Millisecond}.expireMillis())
}
