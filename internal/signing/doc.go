// Package signing signs outer containers.
//
// Signing takes two passes because the signature slot must be reserved in the
// container before the digest it covers can be computed: the signature size is
// probed, the slot and certificates are reserved, the digest info is signed and
// the signature is injected into the slot.
package signing
