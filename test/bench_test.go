package test

import (
	"path/filepath"
	"testing"
	"time"

	"zoned/ipc"
	"zoned/wire"
	"zoned/zones"
)

const benchMethod ipc.MethodID = 0x01

type sumArgs struct {
	A, B int32
}

type sumReply struct {
	Sum int32
}

func setupBenchEndpoint(b *testing.B) *ipc.Client {
	b.Helper()
	sock := filepath.Join(b.TempDir(), "b.sock")
	svc := ipc.NewService("unix", sock)
	ipc.AddMethodHandler(svc, benchMethod, func(_ ipc.PeerID, req *sumArgs) (*sumReply, error) {
		return &sumReply{Sum: req.A + req.B}, nil
	})
	if err := svc.Start(); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(svc.Stop)

	cli, err := ipc.Dial("unix", sock)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(cli.Close)
	return cli
}

// Single goroutine, one round trip at a time.
func BenchmarkCallSyncSerial(b *testing.B) {
	cli := setupBenchEndpoint(b)
	args := &sumArgs{A: 1, B: 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := ipc.CallSync[sumArgs, sumReply](cli, cli.Peer(), benchMethod, args, time.Second); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing one connection; in-flight calls interleave on the
// wire and resolve through the pending table.
func BenchmarkCallSyncParallel(b *testing.B) {
	cli := setupBenchEndpoint(b)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := &sumArgs{A: 1, B: 2}
		for pb.Next() {
			if _, err := ipc.CallSync[sumArgs, sumReply](cli, cli.Peer(), benchMethod, args, time.Second); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkCodecBinary(b *testing.B) {
	c := &wire.BinaryCodec{}
	in := &zones.Notification{Zone: "work", Application: "mail", Message: "three unread"}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		data, err := c.Encode(in)
		if err != nil {
			b.Fatal(err)
		}
		var out zones.Notification
		if err := c.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	c := &wire.JSONCodec{}
	in := &zones.Notification{Zone: "work", Application: "mail", Message: "three unread"}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		data, err := c.Encode(in)
		if err != nil {
			b.Fatal(err)
		}
		var out zones.Notification
		if err := c.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}
