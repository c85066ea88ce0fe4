package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/logging"
)

// RunPrimaryLink keeps the worker attached to the primary at url until ctx
// ends. Each time the link drops the node is told, so it closes its clients,
// and the primary is redialed with backoff.
func RunPrimaryLink(ctx context.Context, node *Node, url string, hello ipc.Hello, opts ipc.LinkOptions, logger zerolog.Logger) error {
	log := logging.Component(logger, "primary-link")
	for {
		link, err := ipc.Dial(ctx, url, hello, opts, log)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		log.Info().Str("url", url).Msg("attached to primary")
		node.SetPrimary(link)

		go func() {
			select {
			case <-ctx.Done():
				link.Close()
			case <-link.Done():
			}
		}()

		for {
			pkt, err := link.Receive()
			var de *ipc.DecodeError
			if errors.As(err, &de) {
				log.Warn().Err(err).Msg("dropping undecodable ipc message")
				continue
			}
			if err != nil {
				log.Warn().Err(err).Msg("primary link lost")
				break
			}
			node.Deliver(pkt)
		}
		node.PrimaryLost()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
