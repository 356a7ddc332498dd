package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"tictockv/mvcc"
)

// icmpEcho sends one unprivileged ICMP echo request to addr (an IPv4
// literal) and returns the round-trip time. A raw SOCK_RAW socket with a
// hand-rolled checksum would need root; golang.org/x/net/icmp's "udp4"
// network lets an unprivileged process do the same exchange through the
// kernel's ping socket support instead.
func icmpEcho(ctx context.Context, addr string, seq int, timeout time.Duration) (time.Duration, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("pingkv: listen icmp: %w", err)
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: []byte("tictockv-pingkv"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("pingkv: marshal icmp echo: %w", err)
	}

	dst, err := net.ResolveIPAddr("ip4", addr)
	if err != nil {
		return 0, fmt.Errorf("pingkv: resolve %s: %w", addr, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, &net.UDPAddr{IP: dst.IP}); err != nil {
		return 0, fmt.Errorf("pingkv: write icmp echo to %s: %w", addr, err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			return 0, fmt.Errorf("pingkv: read icmp reply from %s: %w", addr, err)
		}
		elapsed := time.Since(start)

		reply, err := icmp.ParseMessage(1, rb[:n])
		if err != nil {
			return 0, fmt.Errorf("pingkv: parse icmp reply from %s: %w", addr, err)
		}
		if reply.Type == ipv4.ICMPTypeEchoReply {
			return elapsed, nil
		}
		// Not our echo reply (e.g. a stray packet); keep waiting until
		// the deadline set above fires.
	}
}

// recordPing folds one ping observation into facade under key addr,
// inserting a fresh pingMetrics record the first time addr is seen and
// buffering an UPDATE delta every time after (the INSERT/UPDATE split the
// reference's comment in splinterdb_ping_metrics_example.c describes).
func recordPing(ctx context.Context, facade *mvcc.TransactionalKVS, thread *mvcc.ThreadHandle, addr, site string, elapsed time.Duration) error {
	txn, err := facade.Begin(ctx, thread)
	if err != nil {
		return err
	}

	ms := uint32(elapsed.Milliseconds())
	key := []byte(addr)

	_, found, err := facade.Lookup(txn, key)
	if err != nil {
		_ = facade.Abort(txn)
		return err
	}

	if !found {
		err = facade.Insert(txn, key, singlePing(site, ms).encode())
	} else {
		err = facade.Update(txn, key, singlePing(site, ms).encode())
	}
	if err != nil {
		_ = facade.Abort(txn)
		return err
	}

	if err := facade.Commit(txn); err != nil {
		return err // includes mvcc.ErrAborted; caller decides whether to retry
	}
	return nil
}

// pingTarget is one site this run of pingkv monitors.
type pingTarget struct {
	Site string
	Addr string
}

// runPingers fans one goroutine per target out over an errgroup, each
// registering its own thread handle and repeatedly echoing + recording
// against the same façade instance, exercising concurrent write-write
// validation against disjoint keys.
func runPingers(ctx context.Context, facade *mvcc.TransactionalKVS, targets []pingTarget, count int, interval, timeout time.Duration, logger zerolog.Logger) error {
	runID := uuid.New().String()
	g, gctx := errgroup.WithContext(ctx)

	for _, t := range targets {
		t := t
		g.Go(func() error {
			log := logger.With().Str("runID", runID).Str("site", t.Site).Str("addr", t.Addr).Logger()

			thread, err := facade.RegisterThread()
			if err != nil {
				return fmt.Errorf("pingkv: register thread for %s: %w", t.Site, err)
			}
			defer facade.DeregisterThread(thread)

			for i := 0; i < count; i++ {
				elapsed, err := icmpEcho(gctx, t.Addr, i+1, timeout)
				if err != nil {
					log.Warn().Err(err).Int("seq", i+1).Msg("ping failed")
					continue
				}

				if err := recordPing(gctx, facade, thread, t.Addr, t.Site, elapsed); err != nil {
					log.Debug().Err(err).Int("seq", i+1).Msg("record ping failed or aborted")
					continue
				}

				log.Info().Int("seq", i+1).Dur("rtt", elapsed).Msg("ping recorded")

				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(interval):
				}
			}
			return nil
		})
	}

	return g.Wait()
}
