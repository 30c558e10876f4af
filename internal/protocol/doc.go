// Package protocol owns the inter-task message contract.
//
// Ownership boundary:
// - task / execution-context addressing and the message envelope
// - the typed message variant (one struct per message name)
// - conversion to and from the frame + tlv wire form used across contexts
package protocol
