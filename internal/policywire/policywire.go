// Package policywire implements the Cap'n Proto wire frames for the
// policy daemon's check RPC named in spec.md §8 scenario S3 ("a capnp-
// encoded CheckRequest/CheckResponse round trip"). There is no schema
// compiler available in this build, so the message layout is written by
// hand against capnp's low-level struct API — the same layout
// `nexus-idl-runtime`'s manually-written `policyd_capnp` module uses:
// CheckRequest is an all-pointer struct (subject text, required-caps
// text list); CheckResponse has one data word (the allowed bit) plus a
// missing-caps text list.
package policywire

import (
	"fmt"

	"capnproto.org/go/capnp/v3"
)

var (
	checkRequestSize  = capnp.ObjectSize{DataSize: 0, PointerCount: 2}
	checkResponseSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}
)

// CheckRequest asks policyd whether subject may exercise requiredCaps.
type CheckRequest struct {
	Subject      string
	RequiredCaps []string
}

// CheckResponse is policyd's answer: allowed, and if not, which of the
// requested caps were missing.
type CheckResponse struct {
	Allowed bool
	Missing []string
}

// EncodeCheckRequest builds a single-segment capnp message for req.
func EncodeCheckRequest(req CheckRequest) ([]byte, error) {
	_, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("policywire: new message: %w", err)
	}
	root, err := capnp.NewRootStruct(seg, checkRequestSize)
	if err != nil {
		return nil, fmt.Errorf("policywire: new root struct: %w", err)
	}
	if err := root.SetText(0, req.Subject); err != nil {
		return nil, fmt.Errorf("policywire: set subject: %w", err)
	}
	caps, err := root.NewTextList(1, int32(len(req.RequiredCaps)))
	if err != nil {
		return nil, fmt.Errorf("policywire: new required_caps list: %w", err)
	}
	for i, c := range req.RequiredCaps {
		if err := caps.Set(i, c); err != nil {
			return nil, fmt.Errorf("policywire: set required_caps[%d]: %w", i, err)
		}
	}
	return root.Message().Marshal()
}

// DecodeCheckRequest parses a frame produced by EncodeCheckRequest.
func DecodeCheckRequest(data []byte) (CheckRequest, error) {
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return CheckRequest{}, fmt.Errorf("policywire: unmarshal: %w", err)
	}
	ptr, err := msg.Root()
	if err != nil {
		return CheckRequest{}, fmt.Errorf("policywire: root: %w", err)
	}
	root := ptr.Struct()

	subject, err := root.Text(0)
	if err != nil {
		return CheckRequest{}, fmt.Errorf("policywire: subject: %w", err)
	}
	list, err := root.TextList(1)
	if err != nil {
		return CheckRequest{}, fmt.Errorf("policywire: required_caps: %w", err)
	}
	caps := make([]string, list.Len())
	for i := range caps {
		c, err := list.At(i)
		if err != nil {
			return CheckRequest{}, fmt.Errorf("policywire: required_caps[%d]: %w", i, err)
		}
		caps[i] = c
	}
	return CheckRequest{Subject: subject, RequiredCaps: caps}, nil
}

// EncodeCheckResponse builds a single-segment capnp message for resp.
func EncodeCheckResponse(resp CheckResponse) ([]byte, error) {
	_, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("policywire: new message: %w", err)
	}
	root, err := capnp.NewRootStruct(seg, checkResponseSize)
	if err != nil {
		return nil, fmt.Errorf("policywire: new root struct: %w", err)
	}
	root.SetBit(0, resp.Allowed)
	missing, err := root.NewTextList(0, int32(len(resp.Missing)))
	if err != nil {
		return nil, fmt.Errorf("policywire: new missing list: %w", err)
	}
	for i, m := range resp.Missing {
		if err := missing.Set(i, m); err != nil {
			return nil, fmt.Errorf("policywire: set missing[%d]: %w", i, err)
		}
	}
	return root.Message().Marshal()
}

// DecodeCheckResponse parses a frame produced by EncodeCheckResponse.
func DecodeCheckResponse(data []byte) (CheckResponse, error) {
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return CheckResponse{}, fmt.Errorf("policywire: unmarshal: %w", err)
	}
	ptr, err := msg.Root()
	if err != nil {
		return CheckResponse{}, fmt.Errorf("policywire: root: %w", err)
	}
	root := ptr.Struct()

	allowed := root.Bit(0)
	list, err := root.TextList(0)
	if err != nil {
		return CheckResponse{}, fmt.Errorf("policywire: missing: %w", err)
	}
	missing := make([]string, list.Len())
	for i := range missing {
		m, err := list.At(i)
		if err != nil {
			return CheckResponse{}, fmt.Errorf("policywire: missing[%d]: %w", i, err)
		}
		missing[i] = m
	}
	return CheckResponse{Allowed: allowed, Missing: missing}, nil
}
