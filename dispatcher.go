package gocbx

import (
	"context"
	"time"
)

// KVOp names the KV operations (GET and the write-class operations) the
// Dispatcher understands for building request packets (§4.7).
type KVOp uint8

const (
	OpcodeGet KVOp = iota
	OpcodeSet
	OpcodeAdd
	OpcodeReplace
	OpcodeDelete
	OpcodeIncrement
	OpcodeDecrement
)

func (o KVOp) wire() uint8 {
	switch o {
	case OpcodeSet:
		return OpSet
	case OpcodeAdd:
		return OpAdd
	case OpcodeReplace:
		return OpReplace
	case OpcodeDelete:
		return OpDelete
	case OpcodeIncrement:
		return OpIncrement
	case OpcodeDecrement:
		return OpDecrement
	default:
		return OpGet
	}
}

// Request is the input to Dispatcher.Do (§4.7): a single KV operation.
type Request struct {
	Key     []byte
	Op      KVOp
	Value   []byte
	Expiry  uint32
	CAS     uint64
	Deadline time.Time
}

// PoolLocator returns the Pool for a node index, used by the Dispatcher to
// go from a cluster-map node index to an actual connection pool (§4.7 step
// 2). Agent implements this over its per-node Pool map.
type PoolLocator interface {
	PoolFor(nodeIndex int) (*Pool, bool)
}

// ConfigSink receives embedded config blobs observed on NMV responses,
// handing them to C6 for parsing/applying (§4.6 "On NMV ... C6 receives the
// embedded config blob"). Unsolicited push notifications do not reach it.
type ConfigSink interface {
	ApplyRawConfig(blob []byte)
	RefreshAsync()
}

// Dispatcher routes a KV operation to the right node via the key hasher
// (C1) and cluster map (C5), acquires a connection from the node pool (C4),
// sends it (C3), classifies the response, and retries through C8 (§4.7).
// Modeled on the teacher's broker.handleReqs pipeline: load a connection,
// validate/prepare the request, write, await.
type Dispatcher struct {
	Map     *ClusterMapRef
	Pools   PoolLocator
	Sink    ConfigSink
	Retry   *RetrySupervisor
	Metrics *metrics

	AcquireTimeout time.Duration
	SnappyEnabled  bool
}

// Do runs req to completion, retrying under req.Deadline per §4.7 step 5:
// the retry budget is the caller's deadline, there is no separate retry
// count.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Packet, error) {
	attempt := 0
	fastNMV := false
	for {
		pkt, err := d.attempt(ctx, req)
		if err == nil {
			return pkt, nil
		}

		var nmv *NotMyVBucketError
		if asNMV(err, &nmv) {
			if nmv.EmbeddedConfig != nil && d.Sink != nil {
				d.Sink.ApplyRawConfig(nmv.EmbeddedConfig)
				fastNMV = true
			} else {
				if d.Sink != nil {
					d.Sink.RefreshAsync()
				}
				fastNMV = false
			}
		} else if !isRetryable(err) {
			return nil, err
		}

		decision := d.Retry.Retry(attempt, req.Deadline, fastNMV)
		if d.Metrics != nil {
			d.Metrics.retriesTotal.WithLabelValues(retryReason(err)).Inc()
		}
		if !decision.Wait {
			if decision.Err != nil {
				return nil, decision.Err
			}
			return nil, err
		}
		if decision.Dur > 0 {
			t := time.NewTimer(decision.Dur)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
		}
		attempt++
	}
}

func (d *Dispatcher) attempt(ctx context.Context, req Request) (*Packet, error) {
	m := d.Map.Load()
	if m == nil {
		return nil, ErrNoMap
	}

	partition, err := Partition(req.Key, m.Partitions)
	if err != nil {
		return nil, err
	}
	nodeIdx, err := m.NodeFor(partition, 0)
	if err != nil {
		return nil, err
	}

	pool, ok := d.Pools.PoolFor(nodeIdx)
	if !ok {
		return nil, ErrNoNode
	}

	acquireDeadline := req.Deadline
	if d.AcquireTimeout > 0 {
		byTimeout := time.Now().Add(d.AcquireTimeout)
		if acquireDeadline.IsZero() || byTimeout.Before(acquireDeadline) {
			acquireDeadline = byTimeout
		}
	}
	lease, err := pool.Acquire(ctx, acquireDeadline)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	conn := lease.Conn()

	value, dataType := maybeCompress(req.Value, 0, d.SnappyEnabled && conn.SnappyEnabled())

	var extras []byte
	if req.Op == OpcodeSet || req.Op == OpcodeAdd || req.Op == OpcodeReplace {
		extras = make([]byte, 8)
		putExpiry(extras, req.Expiry)
	}

	pkt := &Packet{
		Magic:      MagicReq,
		Opcode:     req.Op.wire(),
		StatusOrVB: uint16(partition),
		CAS:        req.CAS,
		DataType:   dataType,
		Key:        req.Key,
		Value:      value,
		Extras:     extras,
	}

	resp, err := conn.send(ctx, pkt, req.Deadline)
	if err != nil {
		return nil, err
	}

	status := Status(resp.StatusOrVB)
	out, domainErr := classifyStatus(status)
	switch out {
	case outcomeSuccess:
		if decompressed, derr := maybeDecompress(resp.Value, resp.DataType); derr == nil {
			resp.Value = decompressed
		}
		return resp, nil
	case outcomeDomainFailure:
		return nil, domainErr
	case outcomeNotMyVBucket:
		return nil, &NotMyVBucketError{EmbeddedConfig: resp.Value}
	case outcomeFatal:
		return nil, domainErr
	case outcomeRetryBackoff:
		return nil, ErrTmpFail
	default: // outcomeUnknown
		if idempotentOpcode(pkt.Opcode) {
			return nil, ErrTmpFail
		}
		return nil, wrapf(ErrProtocolViolation, "unknown status 0x%x", status)
	}
}

func putExpiry(extras []byte, expiry uint32) {
	extras[0], extras[1], extras[2], extras[3] = 0, 0, 0, 0 // flags
	extras[4] = byte(expiry >> 24)
	extras[5] = byte(expiry >> 16)
	extras[6] = byte(expiry >> 8)
	extras[7] = byte(expiry)
}

func asNMV(err error, target **NotMyVBucketError) bool {
	nmv, ok := err.(*NotMyVBucketError)
	if ok {
		*target = nmv
	}
	return ok
}

// isRetryable reports whether err is one of the transient failures Do
// routes through C8: ErrTmpFail (TMPFAIL/BUSY/NO_MEMORY), ErrConnectionLost,
// ErrNoCapacity, ErrNoNode and ErrNoMap. NMV is handled by Do before this
// check; domain and fatal errors, and ErrTimeout, are not retryable.
func isRetryable(err error) bool {
	switch err {
	case ErrTmpFail, ErrConnectionLost, ErrNoCapacity, ErrNoNode, ErrNoMap:
		return true
	default:
		return false
	}
}

func retryReason(err error) string {
	switch err {
	case ErrTmpFail:
		return "tmpfail"
	case ErrConnectionLost:
		return "connection_lost"
	case ErrNoCapacity:
		return "no_capacity"
	default:
		if _, ok := err.(*NotMyVBucketError); ok {
			return "nmv"
		}
		return "other"
	}
}
