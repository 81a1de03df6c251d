package pagelog

import "sync/atomic"

// VisibilityOracle answers whether a transaction's effects are visible
// to every running transaction. Monotonic: once visible, always
// visible. Materialization uses it to discard spilled updates whose
// value is now the canonical on-page value.
type VisibilityOracle interface {
	IsGloballyVisible(txnID uint64) bool
}

// TxnWatermark is a visibility oracle backed by a monotonic high-water
// mark: every transaction id at or below the mark is globally visible.
type TxnWatermark struct {
	mark uint64
}

// Advance raises the watermark. Moves only forward.
func (w *TxnWatermark) Advance(txnID uint64) {
	for {
		cur := atomic.LoadUint64(&w.mark)
		if txnID <= cur || atomic.CompareAndSwapUint64(&w.mark, cur, txnID) {
			return
		}
	}
}

func (w *TxnWatermark) IsGloballyVisible(txnID uint64) bool {
	return txnID <= atomic.LoadUint64(&w.mark)
}
