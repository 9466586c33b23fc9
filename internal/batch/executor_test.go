package batch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/monadtools/disperse/internal/chain"
)

// fakeBackend records submitted transactions and returns canned receipts.
// sendErr and receiptErr inject a failure for the nth submission (0-based,
// counted across the backend's lifetime, so resume passes keep counting).
type fakeBackend struct {
	mu         sync.Mutex
	nonce      uint64
	sent       []*types.Transaction
	sendErr    map[int]error
	receiptErr map[int]error
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(1e9), big.NewInt(2e9), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.sent)
	if err := f.sendErr[n]; err != nil {
		f.sent = append(f.sent, nil)
		return err
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.receiptErr[len(f.sent)-1]; err != nil {
		return nil, err
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 21000, TxHash: hash}, nil
}

// submissions counts attempted sends, including rejected ones.
func (f *fakeBackend) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSigner struct {
	addr    common.Address
	signErr error
}

func (s fakeSigner) Address() common.Address { return s.addr }

func (s fakeSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	if s.signErr != nil {
		return nil, s.signErr
	}
	return tx, nil
}

// pausingStore simulates an operator hitting pause while an item is in
// flight: the Paused status lands right after the given item succeeds, before
// the executor reaches the next loop boundary.
type pausingStore struct {
	Store
	pauseAfter int
}

func (s *pausingStore) UpdateBatchItem(ctx context.Context, id string, index int, upd ItemUpdate) error {
	if err := s.Store.UpdateBatchItem(ctx, id, index, upd); err != nil {
		return err
	}
	if index == s.pauseAfter && upd.Status != nil && *upd.Status == ItemSuccess {
		return s.Store.UpdateBatchStatus(ctx, id, StatusPaused)
	}
	return nil
}

// brokenStore fails every item write.
type brokenStore struct {
	Store
}

func (s *brokenStore) UpdateBatchItem(ctx context.Context, id string, index int, upd ItemUpdate) error {
	return errors.New("disk full")
}

func collectEvents(ch chan Event) []Event {
	close(ch)
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventChan(items int) chan Event {
	return make(chan Event, 3*items+4)
}

func newTestExecutor(t *testing.T, store Store, backend TxBackend) *Executor {
	t.Helper()
	return NewExecutor(store, backend, big.NewInt(143), zaptest.NewLogger(t), 100)
}

func TestExecutor_AllItemsSucceed(t *testing.T) {
	store, _ := openTestStore(t)
	backend := &fakeBackend{}
	ex := newTestExecutor(t, store, backend)
	signer := fakeSigner{addr: testSigner}
	events := eventChan(3)

	id, err := ex.Execute(context.Background(), NativeDisperse, testItems(3), nil, signer, events)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	b, err := store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status)
	require.NotNil(t, b.CompletedAt)
	for i, it := range b.Items {
		assert.Equal(t, ItemSuccess, it.Status, "item %d", i)
		assert.NotEmpty(t, it.TxHash)
		assert.Equal(t, uint64(21000), it.GasUsed)
		require.NotNil(t, it.CompletedAt)
	}

	// strict index order on the wire
	require.Equal(t, 3, backend.submissions())
	for i, tx := range backend.sent {
		assert.Equal(t, big.NewInt(int64(i+1)), tx.Value(), "submission %d", i)
	}

	got := collectEvents(events)
	wantKinds := []EventKind{
		EventItemStarted, EventItemCompleted,
		EventItemStarted, EventItemCompleted,
		EventItemStarted, EventItemCompleted,
		EventBatchCompleted,
	}
	require.Len(t, got, len(wantKinds))
	for i, ev := range got {
		assert.Equal(t, wantKinds[i], ev.Kind, "event %d", i)
		assert.Equal(t, id, ev.BatchID)
	}
	assert.Equal(t, 1, got[3].Index)
}

func TestExecutor_ItemFailureDoesNotAbortBatch(t *testing.T) {
	store, _ := openTestStore(t)
	backend := &fakeBackend{
		sendErr: map[int]error{1: fmt.Errorf("%w: execution reverted: transfer to the zero address", chain.ErrReverted)},
	}
	ex := newTestExecutor(t, store, backend)
	events := eventChan(3)

	id, err := ex.Execute(context.Background(), NativeDisperse, testItems(3), nil, fakeSigner{addr: testSigner}, events)
	require.NoError(t, err, "a single item failure is not a batch failure")

	b, err := store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status)
	assert.Equal(t, ItemSuccess, b.Items[0].Status)
	assert.Equal(t, ItemFailed, b.Items[1].Status)
	assert.Contains(t, b.Items[1].Error, "execution reverted")
	assert.Equal(t, ItemSuccess, b.Items[2].Status, "items after the failure still run")

	got := collectEvents(events)
	var failed, completed int
	for _, ev := range got {
		switch ev.Kind {
		case EventItemFailed:
			failed++
			assert.Equal(t, 1, ev.Index)
		case EventItemCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, completed)
	assert.Equal(t, EventBatchCompleted, got[len(got)-1].Kind)
}

func TestExecutor_ReceiptFailureKeepsTxHash(t *testing.T) {
	store, _ := openTestStore(t)
	backend := &fakeBackend{
		receiptErr: map[int]error{0: fmt.Errorf("%w: execution reverted", chain.ErrReverted)},
	}
	ex := newTestExecutor(t, store, backend)
	events := eventChan(1)

	id, err := ex.Execute(context.Background(), NativeDisperse, testItems(1), nil, fakeSigner{addr: testSigner}, events)
	require.NoError(t, err)

	b, err := store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, b.Items[0].Status)
	assert.NotEmpty(t, b.Items[0].TxHash, "a submitted-then-reverted item keeps its hash")
}

func TestExecutor_SignerRejection(t *testing.T) {
	store, _ := openTestStore(t)
	backend := &fakeBackend{}
	ex := newTestExecutor(t, store, backend)
	events := eventChan(1)

	id, err := ex.Execute(context.Background(), NativeDisperse, testItems(1), nil,
		fakeSigner{addr: testSigner, signErr: errors.New("user rejected the request")}, events)
	require.NoError(t, err)

	b, err := store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, b.Items[0].Status)
	assert.Contains(t, b.Items[0].Error, "transaction rejected")
	assert.Equal(t, 0, backend.submissions())
}

func TestExecutor_PauseAndResume(t *testing.T) {
	ctx := context.Background()
	inner, _ := openTestStore(t)
	store := &pausingStore{Store: inner, pauseAfter: 1}
	backend := &fakeBackend{}
	signer := fakeSigner{addr: testSigner}
	events := eventChan(5)

	ex := newTestExecutor(t, store, backend)
	id, err := ex.Execute(ctx, NativeDisperse, testItems(5), nil, signer, events)
	require.NoError(t, err, "pausing is a clean early exit")

	b, err := inner.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, b.Status)
	assert.Equal(t, ItemSuccess, b.Items[0].Status)
	assert.Equal(t, ItemSuccess, b.Items[1].Status)
	for i := 2; i < 5; i++ {
		assert.Equal(t, ItemPending, b.Items[i].Status, "item %d untouched after pause", i)
	}
	assert.Equal(t, 2, backend.submissions())

	got := collectEvents(events)
	last := got[len(got)-1]
	assert.Equal(t, EventBatchPaused, last.Kind)
	assert.Equal(t, 2, last.Index, "pause observed at the boundary before item 2")

	// resume with the plain store finishes the remaining items and never
	// touches the two already confirmed
	ex2 := newTestExecutor(t, inner, backend)
	events2 := eventChan(5)
	require.NoError(t, ex2.Resume(ctx, id, signer, events2))

	b, err = inner.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status)
	assert.Equal(t, ItemSkipped, b.Items[0].Status)
	assert.Equal(t, ItemSkipped, b.Items[1].Status)
	assert.NotEmpty(t, b.Items[0].TxHash, "skipped items keep their original hash")
	for i := 2; i < 5; i++ {
		assert.Equal(t, ItemSuccess, b.Items[i].Status, "item %d", i)
	}
	assert.Equal(t, 5, backend.submissions(), "exactly three new submissions on resume")

	for _, ev := range collectEvents(events2) {
		if ev.Kind == EventItemStarted {
			assert.GreaterOrEqual(t, ev.Index, 2, "confirmed items are never restarted")
		}
	}
}

func TestExecutor_ResumeTerminalBatchRefused(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	backend := &fakeBackend{}
	signer := fakeSigner{addr: testSigner}
	ex := newTestExecutor(t, store, backend)

	id, err := ex.Execute(ctx, NativeDisperse, testItems(2), nil, signer, nil)
	require.NoError(t, err)
	require.Equal(t, 2, backend.submissions())

	before, err := store.GetBatch(ctx, id)
	require.NoError(t, err)

	err = ex.Resume(ctx, id, signer, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")
	assert.Equal(t, 2, backend.submissions(), "a refused resume submits nothing")

	after, err := store.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, after.Status, "terminal status never rewritten")
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
	assert.Equal(t, ItemSuccess, after.Items[0].Status)
}

// cancelingBackend propagates the context into reads and cancels it once the
// given submission ordinal confirms, so the run is interrupted with an item
// already behind it.
type cancelingBackend struct {
	*fakeBackend
	cancel      context.CancelFunc
	cancelAfter int
}

func (b *cancelingBackend) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.fakeBackend.PendingNonceAt(ctx, addr)
}

func (b *cancelingBackend) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	rcpt, err := b.fakeBackend.WaitForReceipt(ctx, hash)
	if b.submissions()-1 == b.cancelAfter {
		b.cancel()
	}
	return rcpt, err
}

func TestExecutor_CancellationLeavesBatchResumable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, _ := openTestStore(t)
	backend := &cancelingBackend{fakeBackend: &fakeBackend{}, cancel: cancel, cancelAfter: 0}
	ex := newTestExecutor(t, store, backend)
	signer := fakeSigner{addr: testSigner}
	events := eventChan(5)

	id, err := ex.Execute(ctx, NativeDisperse, testItems(5), nil, signer, events)
	require.ErrorIs(t, err, context.Canceled)
	require.NotEmpty(t, id)

	b, err := store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, b.Status.Resumable(), "an interrupted batch stays resumable")
	assert.Equal(t, ItemSuccess, b.Items[0].Status)
	for i := 1; i < 5; i++ {
		assert.Equal(t, ItemPending, b.Items[i].Status, "item %d left for resume, not failed", i)
	}
	assert.Equal(t, 1, backend.submissions())

	got := collectEvents(events)
	require.NotEmpty(t, got)
	assert.Equal(t, EventBatchPaused, got[len(got)-1].Kind)

	// a fresh context picks up the remainder
	events2 := eventChan(5)
	require.NoError(t, ex.Resume(context.Background(), id, signer, events2))

	b, err = store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status)
	assert.Equal(t, ItemSkipped, b.Items[0].Status)
	for i := 1; i < 5; i++ {
		assert.Equal(t, ItemSuccess, b.Items[i].Status, "item %d", i)
	}
	assert.Equal(t, 5, backend.submissions())
}

// nonceCancelBackend cancels the context inside the second item's nonce fetch,
// hitting the run while an item is in flight rather than at a boundary.
type nonceCancelBackend struct {
	*fakeBackend
	cancel context.CancelFunc
}

func (b *nonceCancelBackend) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	n, err := b.fakeBackend.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		b.cancel()
		return 0, ctx.Err()
	}
	return n, nil
}

func TestExecutor_CancellationMidItemLeavesItemPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, _ := openTestStore(t)
	backend := &nonceCancelBackend{fakeBackend: &fakeBackend{}, cancel: cancel}
	ex := newTestExecutor(t, store, backend)
	events := eventChan(3)

	id, err := ex.Execute(ctx, NativeDisperse, testItems(3), nil, fakeSigner{addr: testSigner}, events)
	require.ErrorIs(t, err, context.Canceled)

	b, err := store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, b.Status.Resumable())
	assert.Equal(t, ItemSuccess, b.Items[0].Status)
	assert.Equal(t, ItemPending, b.Items[1].Status, "an unsubmitted interrupted item is not a failure")
	assert.Equal(t, ItemPending, b.Items[2].Status)
	assert.Equal(t, 1, backend.submissions())

	got := collectEvents(events)
	require.NotEmpty(t, got)
	assert.Equal(t, EventBatchPaused, got[len(got)-1].Kind)
}

func TestExecutor_ResumeRejectsForeignSigner(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	backend := &fakeBackend{}
	ex := newTestExecutor(t, store, backend)

	id, err := ex.Execute(ctx, NativeDisperse, testItems(1), nil, fakeSigner{addr: testSigner}, nil)
	require.NoError(t, err)

	err = ex.Resume(ctx, id, fakeSigner{addr: otherAddr}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to signer")

	err = ex.Resume(ctx, "missing", fakeSigner{addr: testSigner}, nil)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestExecutor_StoreWriteFailureFailsBatch(t *testing.T) {
	ctx := context.Background()
	inner, _ := openTestStore(t)
	ex := newTestExecutor(t, &brokenStore{Store: inner}, &fakeBackend{})
	events := eventChan(1)

	id, err := ex.Execute(ctx, NativeDisperse, testItems(1), nil, fakeSigner{addr: testSigner}, events)
	require.Error(t, err)
	require.NotEmpty(t, id, "the batch id is returned even when the run fails")

	b, err := inner.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, b.Status)

	got := collectEvents(events)
	require.NotEmpty(t, got)
	assert.Equal(t, EventBatchFailed, got[len(got)-1].Kind)
}

func TestExecutor_RejectsMalformedBatches(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	ex := newTestExecutor(t, store, &fakeBackend{})
	signer := fakeSigner{addr: testSigner}

	_, err := ex.Execute(ctx, NativeDisperse, nil, nil, signer, nil)
	assert.Error(t, err)

	nftItems := []Item{{Nft: &NftTarget{To: otherAddr, TokenID: big.NewInt(1), Kind: Erc721}}}
	_, err = ex.Execute(ctx, NativeDisperse, nftItems, nil, signer, nil)
	assert.Error(t, err, "payload variant must match the batch type")

	_, err = ex.Execute(ctx, TokenDisperse, testItems(1), nil, signer, nil)
	assert.Error(t, err, "token disperse needs metadata")

	small := NewExecutor(store, &fakeBackend{}, big.NewInt(143), zaptest.NewLogger(t), 2)
	_, err = small.Execute(ctx, NativeDisperse, testItems(3), nil, signer, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds the configured limit")
}

func TestExecutor_TokenAndNftCalldata(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	backend := &fakeBackend{}
	ex := newTestExecutor(t, store, backend)
	signer := fakeSigner{addr: testSigner}
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")

	meta := &TokenMetadata{Address: token, Symbol: "TST", Decimals: 6}
	_, err := ex.Execute(ctx, TokenDisperse, []Item{
		{Disperse: &DisperseTarget{To: otherAddr, Amount: big.NewInt(42)}},
	}, meta, signer, nil)
	require.NoError(t, err)

	require.Equal(t, 1, backend.submissions())
	tx := backend.sent[0]
	assert.Equal(t, token, *tx.To(), "token transfers target the contract")
	assert.Equal(t, int64(0), tx.Value().Int64())
	assert.Equal(t, chain.EncodeERC20Transfer(otherAddr, big.NewInt(42)), tx.Data())

	collection := common.HexToAddress("0x4444444444444444444444444444444444444444")
	_, err = ex.Execute(ctx, NftTransfer, []Item{
		{Nft: &NftTarget{To: otherAddr, TokenID: big.NewInt(7), Collection: collection, Kind: Erc721}},
	}, nil, signer, nil)
	require.NoError(t, err)

	tx = backend.sent[1]
	assert.Equal(t, collection, *tx.To())
	assert.Equal(t, chain.EncodeERC721SafeTransfer(testSigner, otherAddr, big.NewInt(7)), tx.Data())
}
