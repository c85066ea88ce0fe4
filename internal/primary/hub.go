package primary

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/cluster"
	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/logging"
	"github.com/dreamware/signalhub/internal/state"
)

const helloTimeout = 5 * time.Second

// Hub accepts worker links on the primary. Each link must open with a Hello;
// after that every packet it carries is handed to the Coordinator tagged
// with the worker id from the Hello.
type Hub struct {
	coord    *Coordinator
	workers  *WorkerRegistry
	upgrader websocket.Upgrader
	opts     ipc.LinkOptions
	log      zerolog.Logger
}

// NewHub returns a hub feeding worker links into coord.
func NewHub(coord *Coordinator, workers *WorkerRegistry, opts ipc.LinkOptions, logger zerolog.Logger) *Hub {
	return &Hub{
		coord:   coord,
		workers: workers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		opts: opts,
		log:  logging.Component(logger, "hub"),
	}
}

// ServeHTTP upgrades a worker's request and serves its link until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("ipc upgrade failed")
		return
	}
	link := ipc.NewLink(conn, state.PrimaryID, h.opts, h.log)
	defer link.Close()

	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	hello, err := awaitHello(link)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("worker did not introduce itself")
		return
	}
	if hello.WorkerID <= state.PrimaryID {
		h.log.Warn().Int("worker_id", hello.WorkerID).Msg("rejecting worker with reserved id")
		return
	}

	log := h.log.With().Int("worker_id", hello.WorkerID).Logger()
	gen, replaced := h.workers.Add(cluster.WorkerInfo{ID: hello.WorkerID, Addr: hello.Addr}, link)
	if replaced != nil {
		log.Warn().Msg("worker reattached, closing previous link")
		if c, ok := replaced.(io.Closer); ok {
			_ = c.Close()
		}
	}
	// Connections left over from an earlier link of this worker are gone:
	// a worker closes all its clients when it loses the primary.
	h.coord.DropWorker(hello.WorkerID)
	log.Info().Str("addr", hello.Addr).Msg("worker attached")

	for {
		pkt, err := link.Receive()
		var de *ipc.DecodeError
		if errors.As(err, &de) {
			log.Warn().Err(err).Msg("dropping undecodable ipc message")
			continue
		}
		if err != nil {
			log.Info().Err(err).Msg("worker link closed")
			break
		}
		h.coord.Deliver(hello.WorkerID, gen, pkt.Message)
	}

	if h.workers.Remove(hello.WorkerID, gen) {
		h.coord.DropWorker(hello.WorkerID)
		log.Info().Msg("worker detached")
	}
}

func awaitHello(link *ipc.Link) (ipc.Hello, error) {
	pkt, err := link.Receive()
	if err != nil {
		return ipc.Hello{}, err
	}
	hello, ok := pkt.Message.(ipc.Hello)
	if !ok {
		return ipc.Hello{}, errors.New("first ipc message was " + string(pkt.Message.Type()) + ", want hello")
	}
	return hello, nil
}
