package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
)

// maxTreeDepth limits recursion when serializing instance trees.
const maxTreeDepth = 500

// InstanceNode is one instance in a /trees snapshot.
type InstanceNode struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Tag      string         `json:"tag,omitempty"`
	State    string         `json:"state"`
	Retained bool           `json:"retained,omitempty"`
	Keys     int            `json:"keys"`
	Children []InstanceNode `json:"children,omitempty"`
}

// DebugServer serves read-only inspection endpoints for a host:
//
//	/health   liveness
//	/trees    live instances per tree
//	/pending  outstanding result tokens
//	/metrics  the gatherer, when one is set
type DebugServer struct {
	host     *Host
	gatherer prometheus.Gatherer

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewDebugServer creates a stopped debug server for h. gatherer may be nil.
func NewDebugServer(h *Host, gatherer prometheus.Gatherer) *DebugServer {
	return &DebugServer{host: h, gatherer: gatherer}
}

// Start listens on addr and serves in the background. It returns the bound
// address, which is useful with port 0. Starting a running server returns
// its current address.
func (d *DebugServer) Start(addr string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		return d.listener.Addr().String(), nil
	}

	// Bind first to fail fast on port conflicts.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", relayerrors.New("host.DebugServer.Start", relayerrors.KindConfig, "", fmt.Errorf("listen: %w", err))
	}

	server := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 5 * time.Second}
	d.server = server
	d.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.mu.Lock()
			if d.server == server {
				d.server = nil
				d.listener = nil
			}
			d.mu.Unlock()
			d.host.log.Error("debug server stopped", zap.Error(err))
		}
	}()
	d.host.log.Info("debug server listening", zap.String("addr", listener.Addr().String()))
	return listener.Addr().String(), nil
}

// Stop shuts the server down, waiting up to two seconds for open requests.
func (d *DebugServer) Stop() {
	d.mu.Lock()
	server := d.server
	d.server = nil
	d.listener = nil
	d.mu.Unlock()
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

// Handler returns the endpoint mux without starting a listener.
func (d *DebugServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(d.handleHealth))
	mux.HandleFunc("/trees", getOnly(d.handleTrees))
	mux.HandleFunc("/pending", getOnly(d.handlePending))
	if d.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return mux
}

func getOnly(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

func (d *DebugServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "running": d.host.Running()})
}

// handleTrees snapshots each tree on its owning context. A ?tree= query
// limits the response to one tree.
func (d *DebugServer) handleTrees(w http.ResponseWriter, r *http.Request) {
	trees := d.host.Trees()
	if only := r.URL.Query().Get("tree"); only != "" {
		if _, ok := d.host.Controller(only); !ok {
			http.Error(w, fmt.Sprintf("unknown tree %q", only), http.StatusNotFound)
			return
		}
		trees = []string{only}
	}

	resp := make(map[string][]InstanceNode, len(trees))
	for _, tree := range trees {
		var nodes []InstanceNode
		err := d.host.onTree(r.Context(), tree, func(c *core.Controller) error {
			for _, root := range c.Roots() {
				nodes = append(nodes, serializeInstance(root, 0))
			}
			return nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		resp[tree] = nodes
	}
	writeJSON(w, resp)
}

func (d *DebugServer) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"outstanding": d.host.results.Outstanding()})
}

func serializeInstance(inst *core.Instance, depth int) InstanceNode {
	node := InstanceNode{
		ID:       inst.ID(),
		Type:     inst.Type(),
		Tag:      inst.Tag(),
		State:    inst.State().String(),
		Retained: inst.Retained(),
		Keys:     inst.Store().Len(),
	}
	if depth >= maxTreeDepth {
		return node
	}
	for _, child := range inst.Children() {
		node.Children = append(node.Children, serializeInstance(child, depth+1))
	}
	return node
}

func writeJSON(w http.ResponseWriter, v any) {
	// Encode to a buffer first so encoding errors still produce a 500.
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, fmt.Sprintf("json encode error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
