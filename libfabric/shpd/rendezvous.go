package shpd

import (
	"context"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Create exclusively creates the segment for key and initializes its
// record as unpublished. A leftover segment from an earlier run fails with
// ErrStaleSegment.
func Create(p Provider, key, size int) (Segment, *ServerRecord, error) {
	seg, err := p.Create(key, size)
	if err != nil {
		return nil, nil, err
	}
	rec, err := NewServerRecord(seg)
	if err != nil {
		if derr := seg.Detach(); derr != nil {
			logrus.Errorf("Detaching segment %d: %v", key, derr)
		}
		if rerr := seg.Remove(); rerr != nil {
			logrus.Errorf("Removing segment %d: %v", key, rerr)
		}
		return nil, nil, err
	}
	return seg, rec, nil
}

// Await attaches the segment for key once the publisher has created it and
// waits for the record to leave the unpublished state. A record marked
// failed yields ErrPublishFailed; the segment is detached in that case.
func Await(ctx context.Context, p Provider, key, size int, poller Poller) (Segment, *ClientView, error) {
	var seg Segment
	err := poller.Until(ctx, func() (bool, error) {
		s, err := p.Open(key, size)
		if errors.Is(err, define.ErrNoSuchSegment) {
			logrus.Debugf("Waiting for segment %d", key)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		seg = s
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}

	view, err := NewClientView(seg)
	if err == nil {
		err = poller.Until(ctx, func() (bool, error) {
			return view.Status() != StatusUnpublished, nil
		})
	}
	if err == nil && view.Status() == StatusFailed {
		err = errors.Wrapf(define.ErrPublishFailed, "segment %d", key)
	}
	if err != nil {
		if derr := seg.Detach(); derr != nil {
			logrus.Errorf("Detaching segment %d: %v", key, derr)
		}
		return nil, nil, err
	}
	return seg, view, nil
}
