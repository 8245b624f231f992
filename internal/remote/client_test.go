package remote

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"yardstitch/internal/config"
	"yardstitch/internal/grpcserver"
	"yardstitch/internal/imagesource"
	"yardstitch/internal/logging"
	"yardstitch/internal/mosaic"
	"yardstitch/internal/storage"
	"yardstitch/internal/transform"
	"yardstitch/internal/yard"
)

func square(x0, y0, x1, y1 float64) []yard.Point {
	return []yard.Point{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
}

var berth = yard.Descriptor{
	ID:       "berth",
	Boundary: square(0, 0, 20, 10),
	Cameras: []yard.Camera{{
		ID:              "5",
		URLAccess:       "mem:berth",
		YardPoints:      square(0, 0, 10, 10),
		TransformPoints: square(0, 0, 20, 10),
	}},
}

func connect(t *testing.T) (*Client, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	mem := imagesource.NewMemory()
	frame := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	for i := 0; i < len(frame.Pix); i += 4 {
		frame.Pix[i+2], frame.Pix[i+3] = 150, 255
	}
	mem.Put("mem:berth", frame)

	log := logging.Discard()
	srv := grpcserver.NewMosaicServer(mosaic.New(mem, transform.DefaultEstimator(), log), store, config.Default().Stitch, log)
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeListener(ctx, lis)
	}()

	client, err := Dial(Config{ServerAddress: "passthrough:///bufnet", Insecure: true},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
		store.Close()
	})
	return client, store
}

func TestStitchInlineDescriptor(t *testing.T) {
	client, _ := connect(t)
	d := berth
	res, err := client.Stitch(context.Background(), Request{Yard: &d, Options: map[string]any{"blend": "max"}})
	if err != nil {
		t.Fatalf("stitch: %v", err)
	}
	if res.Covered != 200 || res.Contributing != 1 {
		t.Fatalf("unexpected coverage %+v", res)
	}
	img, err := png.Decode(bytes.NewReader(res.PNG))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 20 || b.Dy() != 10 {
		t.Fatalf("unexpected bounds %v", b)
	}
}

func TestStitchStoredYardAndInspect(t *testing.T) {
	client, store := connect(t)
	if err := store.SaveYard(berth); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Stitch(context.Background(), Request{YardID: "berth"}); err != nil {
		t.Fatalf("stitch stored: %v", err)
	}
	_, err := client.Stitch(context.Background(), Request{YardID: "missing"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	report, err := client.Inspect(context.Background(), Request{YardID: "berth"})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	cams := report["cameras"].([]any)
	if cam := cams[0].(map[string]any); cam["id"] != "5" || cam["family"] != "homography" {
		t.Fatalf("unexpected report %v", cam)
	}
}

func TestHealthyAndEmptyRequest(t *testing.T) {
	client, _ := connect(t)
	ok, err := client.Healthy(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected serving, got %v %v", ok, err)
	}
	if _, err := client.Stitch(context.Background(), Request{}); !errors.Is(err, ErrNoYard) {
		t.Fatalf("expected ErrNoYard, got %v", err)
	}
}

func TestDialTLSErrors(t *testing.T) {
	if _, err := Dial(Config{ServerAddress: "localhost:1", CACertPath: filepath.Join(t.TempDir(), "absent.pem")}); err == nil {
		t.Fatalf("expected error for missing CA file")
	}
	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Dial(Config{ServerAddress: "localhost:1", CACertPath: bad}); err == nil {
		t.Fatalf("expected error for unparsable CA file")
	}
	client, err := Dial(Config{ServerAddress: "localhost:1"})
	if err != nil {
		t.Fatalf("system roots should be accepted: %v", err)
	}
	client.Close()
}
