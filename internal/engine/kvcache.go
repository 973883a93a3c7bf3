package engine

import "github.com/23skdu/longbow-quiver/internal/tensor"

// KVCache wires one layer's key/value state between the two graphs. K and V
// are the full-sequence tensors produced (after RoPE) as outputs of the
// priming graph; the decode graph reads them whole through KIn/VIn and
// writes its one new position through KSlice/VSlice, which alias a single
// sequence slot of K and V.
type KVCache struct {
	K *tensor.Tensor
	V *tensor.Tensor

	KIn *tensor.Tensor
	VIn *tensor.Tensor

	KSlice *tensor.Tensor
	VSlice *tensor.Tensor
}

// BindFull aliases the decode graph's cache inputs onto the full-sequence
// buffers. Needed once, after the priming graph has allocated them.
func (c *KVCache) BindFull() {
	c.KIn.Borrow(c.K, 0)
	c.VIn.Borrow(c.V, 0)
}

// BindStep aliases the decode step outputs onto sequence slot t, so the
// backend writes the new key/value directly into the cache.
func (c *KVCache) BindStep(t int) {
	stride := c.KSlice.NumElements()
	c.KSlice.Borrow(c.K, t*stride)
	c.VSlice.Borrow(c.V, t*stride)
}
