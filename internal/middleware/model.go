package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/corelay/corelay/pkg/core"
	"github.com/corelay/corelay/pkg/pipeline"
)

// model owns the authoritative in-memory schema transaction log and its hash
// chain. Every model-space transaction is applied to the hierarchy and
// appended with one more chain link before it is forwarded; loadModel is
// answered here and never forwarded.
type model struct {
	pipeline.Base
	pctx *pipeline.Context

	mu     sync.RWMutex
	log    []*core.Tx
	hashes []string
	// byHash indexes a chain hash to the log position it seals.
	byHash map[string]int
}

// NewModel constructs the model stage and replays the persisted model log.
// A model entry that fails to apply is logged and skipped so one bad entry
// does not abort workspace boot.
func NewModel(ctx context.Context, pctx *pipeline.Context, next pipeline.Middleware) (pipeline.Middleware, error) {
	m := &model{
		Base:   pipeline.NewBase(next),
		pctx:   pctx,
		byHash: map[string]int{},
	}

	adapter, err := pctx.Adapters.Adapter(core.DomainTx)
	if err != nil {
		return nil, err
	}
	res, err := adapter.FindAll(ctx, core.ClassTx,
		core.Query{attrObjectSpace: string(core.SpaceModel)},
		&core.FindOptions{Sort: map[string]core.SortOrder{"modifiedOn": core.SortAscending, "_id": core.SortAscending}})
	if err != nil {
		return nil, err
	}

	for _, doc := range res.Docs {
		tx, err := TxFromDoc(doc)
		if err != nil {
			pctx.Logger.Warn("skipping unreadable model record", zap.String("record", string(doc.ID)), zap.Error(err))
			continue
		}
		if err := pctx.Hierarchy.ApplyTx(tx); err != nil {
			pctx.Logger.Warn("skipping model entry", zap.String("tx", string(tx.ID)), zap.Error(err))
			continue
		}
		m.append(tx)
	}
	pctx.Logger.Info("model log loaded", zap.Int("entries", len(m.log)))
	return m, nil
}

// append seals one more transaction into the chain:
// hash[i] = H(hash[i-1] || serialize(tx[i])), hash[-1] = "".
func (m *model) append(tx *core.Tx) {
	payload, err := SerializeTx(tx)
	if err != nil {
		// Transactions that reached this point marshaled once already.
		m.pctx.Logger.Error("model tx serialization failed", zap.Error(err))
		return
	}
	prev := ""
	if len(m.hashes) > 0 {
		prev = m.hashes[len(m.hashes)-1]
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(payload)
	link := hex.EncodeToString(h.Sum(nil))

	m.log = append(m.log, tx)
	m.hashes = append(m.hashes, link)
	m.byHash[link] = len(m.log) - 1
}

func (m *model) Tx(ctx context.Context, s *pipeline.Session, batch []*core.Tx) (*core.TxResult, error) {
	for _, tx := range batch {
		if tx.ObjectSpace != core.SpaceModel || !tx.Kind.IsCUD() {
			continue
		}
		if err := m.pctx.Hierarchy.ApplyTx(tx); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.append(tx)
		m.mu.Unlock()
	}
	return m.Base.Tx(ctx, s, batch)
}

// LoadModel answers an incremental synchronization request. A recognized
// hash yields the suffix committed after it; an unknown hash yields the
// full log and the client must discard local state. Without a hash the
// legacy path returns entries newer than the supplied timestamp.
func (m *model) LoadModel(ctx context.Context, s *pipeline.Session, lastHash string, lastTxTime core.Timestamp) (*core.ModelResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	head := ""
	if len(m.hashes) > 0 {
		head = m.hashes[len(m.hashes)-1]
	}

	if lastHash != "" {
		if pos, ok := m.byHash[lastHash]; ok {
			return &core.ModelResponse{
				Full:         false,
				Hash:         head,
				Transactions: append([]*core.Tx(nil), m.log[pos+1:]...),
			}, nil
		}
		return &core.ModelResponse{
			Full:         true,
			Hash:         head,
			Transactions: append([]*core.Tx(nil), m.log...),
		}, nil
	}

	var txes []*core.Tx
	for _, tx := range m.log {
		if tx.ModifiedOn > lastTxTime {
			txes = append(txes, tx)
		}
	}
	sort.SliceStable(txes, func(i, j int) bool { return txes[i].ModifiedOn < txes[j].ModifiedOn })
	return &core.ModelResponse{Hash: head, Transactions: txes}, nil
}
