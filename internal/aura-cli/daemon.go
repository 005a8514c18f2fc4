package aura

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/core"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

func startCmd(c *cli.Context, l log.Logger) error {
	conf, err := contextToConfig(c, l)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	trace, tracerShutdown := metrics.InitTracer("aura", c.String(tracesFlag.Name), c.Float64(tracesProbabilityFlag.Name))
	defer tracerShutdown(context.Background())

	ctx, span := trace.Start(ctx, "startCmd")

	pair, err := loadKeyPair(conf.ConfigFolder())
	if err != nil {
		span.RecordError(err)
		span.End()
		return err
	}
	node, err := core.NewNode(ctx, pair, conf)
	if err != nil {
		err = fmt.Errorf("can't instantiate aura node %w", err)
		span.RecordError(err)
		span.End()
		return err
	}
	node.Start()
	span.End()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), core.DefaultFinalityWait)
		defer cancel()
		if err := node.Stop(sctx); err != nil {
			l.Errorw("stopping node", "err", err)
		}
	}()

	fmt.Fprintf(c.App.Writer, "aura device %s listening on %s\n", node.Device(), node.Address())
	<-node.WaitExit()
	return nil
}
