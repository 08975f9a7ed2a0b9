package node

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request bodies use pointer fields so a missing key can be told apart
// from an empty one; absence is a bad request.
type putRequest struct {
	Key   *string `json:"key"`
	Value *string `json:"value"`
}

type getRequest struct {
	Key *string `json:"key"`
}

type delRequest struct {
	Key *string `json:"key"`
}

type applyRequest struct {
	RID   *string `json:"rid"`
	Op    *string `json:"op"`
	Key   *string `json:"key"`
	Value string  `json:"value,omitempty"`
}

type putResponse struct {
	OK  bool   `json:"ok"`
	RID string `json:"rid"`
}

type delResponse struct {
	OK      bool   `json:"ok"`
	RID     string `json:"rid"`
	Deleted bool   `json:"deleted"`
}

type getResponse struct {
	OK    bool   `json:"ok"`
	RID   string `json:"rid"`
	Found bool   `json:"found"`
	Value string `json:"value,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// requestID returns the caller-supplied rid or generates one. The rid
// ties a request's own event lines to its downstream replication lines.
func requestID(r *http.Request) string {
	if rid := r.URL.Query().Get("rid"); rid != "" {
		return rid
	}
	return uuid.NewString()
}

func (n *Node) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed"})
		return
	}
	defer r.Body.Close()

	rid := requestID(r)
	n.events.NextSeq()

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == nil || req.Value == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_json"})
		n.events.Emit("put_badreq", zap.String("rid", rid))
		return
	}
	key, value := *req.Key, *req.Value

	if !n.cfg.IsLeader {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "not_leader"})
		n.events.Emit("put_reject_not_leader", zap.String("rid", rid), zap.String("key", key))
		return
	}

	n.store.Put(key, value)
	n.events.Emit("put_ok", zap.String("rid", rid), zap.String("key", key), zap.Int("value_len", len(value)))
	n.repl.enqueue(rid, "PUT", key, value)

	writeJSON(w, http.StatusOK, putResponse{OK: true, RID: rid})
}

func (n *Node) handleDel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed"})
		return
	}
	defer r.Body.Close()

	rid := requestID(r)
	n.events.NextSeq()

	var req delRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_json"})
		n.events.Emit("del_badreq", zap.String("rid", rid))
		return
	}
	key := *req.Key

	if !n.cfg.IsLeader {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "not_leader"})
		n.events.Emit("del_reject_not_leader", zap.String("rid", rid), zap.String("key", key))
		return
	}

	deleted := n.store.Delete(key)
	n.events.Emit("del_ok", zap.String("rid", rid), zap.String("key", key), zap.Bool("deleted", deleted))
	n.repl.enqueue(rid, "DEL", key, "")

	writeJSON(w, http.StatusOK, delResponse{OK: true, RID: rid, Deleted: deleted})
}

// handleGet always serves from the local store, on every role. A miss is
// a normal result, not an error.
func (n *Node) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed"})
		return
	}
	defer r.Body.Close()

	rid := requestID(r)
	n.events.NextSeq()

	var req getRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_json"})
		n.events.Emit("get_badreq", zap.String("rid", rid))
		return
	}
	key := *req.Key

	value, found := n.store.Get(key)
	if !found {
		writeJSON(w, http.StatusOK, getResponse{OK: true, RID: rid, Found: false})
		n.events.Emit("get_notfound", zap.String("rid", rid), zap.String("key", key))
		return
	}
	writeJSON(w, http.StatusOK, getResponse{OK: true, RID: rid, Found: true, Value: value})
	n.events.Emit("get_ok", zap.String("rid", rid), zap.String("key", key), zap.Int("value_len", len(value)))
}

func (n *Node) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleReplicate applies a leader-originated write unconditionally,
// regardless of this node's role. Re-applying the same PUT or DEL is
// idempotent, so duplicate fan-out deliveries are harmless.
func (n *Node) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed"})
		return
	}
	defer r.Body.Close()

	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RID == nil || req.Op == nil || req.Key == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_json"})
		n.events.Emit("replicate_badreq")
		return
	}
	rid, op, key := *req.RID, *req.Op, *req.Key

	switch op {
	case "PUT":
		n.store.Put(key, req.Value)
	case "DEL":
		n.store.Delete(key)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_op"})
		n.events.Emit("replicate_badreq", zap.String("rid", rid), zap.String("op", op))
		return
	}

	n.events.Emit("replicate_apply", zap.String("rid", rid), zap.String("key", key), zap.String("op", op))
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type statusResponse struct {
	OK     bool              `json:"ok"`
	NodeID string            `json:"node_id"`
	Role   string            `json:"role"`
	Seq    int64             `json:"seq"`
	Keys   int               `json:"keys"`
	Peers  map[string]string `json:"peers"`
}

// handleStatus is a read-only snapshot for experiment tooling; it does
// not touch the sequence counter.
func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	role := "follower"
	if n.cfg.IsLeader {
		role = "leader"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		OK:     true,
		NodeID: n.cfg.NodeID,
		Role:   role,
		Seq:    n.events.Seq(),
		Keys:   n.store.Len(),
		Peers:  n.health.Snapshot(),
	})
}
