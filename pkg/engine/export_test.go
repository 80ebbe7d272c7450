package engine

// StoreChanged simulates a notification from the store monitor.
func (e *Engine) StoreChanged() {
	e.storeChanged()
}
