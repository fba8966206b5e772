package websocket

// Extension is a pluggable transform run around encode/decode on every
// frame of a connection that has negotiated it. The negotiation syntax
// itself (Sec-WebSocket-Extensions parameter parsing, e.g. for
// permessage-deflate) is out of scope for this package — the handshake
// does not parse Sec-WebSocket-Extensions at all — but once an application has agreed
// on an extension out of band, it plugs the compressor/transform in here.
//
// ClaimsRSV declares which of the three reserved bits this extension owns;
// the connection relaxes its "RSV must be zero" decode check by exactly
// the union of bits claimed by its active extensions. OnOutgoing runs
// immediately before Encode, in chain order; OnIncoming runs immediately
// after Decode, in reverse chain order, mirroring how the outgoing
// transform was applied.
type Extension interface {
	Name() string
	ClaimsRSV() (rsv1, rsv2, rsv3 bool)
	OnOutgoing(f *Frame) (*Frame, error)
	OnIncoming(f *Frame) (*Frame, error)
}

// applyOutgoing runs f through each extension's OnOutgoing hook in order,
// wrapping any failure in an *ExtensionError.
func applyOutgoing(exts []Extension, f *Frame) (*Frame, error) {
	var err error
	for _, ext := range exts {
		f, err = ext.OnOutgoing(f)
		if err != nil {
			return nil, &ExtensionError{Extension: ext.Name(), Err: err}
		}
	}
	return f, nil
}

// applyIncoming runs f through each extension's OnIncoming hook in
// reverse chain order, wrapping any failure in an *ExtensionError.
func applyIncoming(exts []Extension, f *Frame) (*Frame, error) {
	var err error
	for i := len(exts) - 1; i >= 0; i-- {
		f, err = exts[i].OnIncoming(f)
		if err != nil {
			return nil, &ExtensionError{Extension: exts[i].Name(), Err: err}
		}
	}
	return f, nil
}

// claimedRSV returns the union of RSV bits claimed by exts, used to relax
// the decoder's reserved-bit check when extensions are active.
func claimedRSV(exts []Extension) (rsv1, rsv2, rsv3 bool) {
	for _, ext := range exts {
		r1, r2, r3 := ext.ClaimsRSV()
		rsv1 = rsv1 || r1
		rsv2 = rsv2 || r2
		rsv3 = rsv3 || r3
	}
	return rsv1, rsv2, rsv3
}
