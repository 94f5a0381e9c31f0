package distarray

import (
	"context"
)

// ManagedData is a buffer plus its readiness token plus whatever upstream
// buffers must be kept alive (retention chain) until that token fires.
type ManagedData struct {
	Data      Buffer
	Ready     Event
	PreventGC []any
}

// Transfer is the result of moving data to a destination device: a
// buffer resident there, a readiness token over it, and a retention
// chain keeping the source alive until that token fires.
type Transfer struct {
	Data      Buffer
	Ready     Event
	Device    DeviceID
	preventGC []any
}

// CreateCommunicators builds the collective endpoints for a device set,
// once per set, via backend. A nil return value for any device means the
// transfer engine must fall back to device-to-device copies for it.
func CreateCommunicators(backend Backend, devices []DeviceID) (map[DeviceID]Communicator, error) {
	return backend.Communicators(devices)
}

// TransferTo moves src (resident on its own device) to dst, returning a
// handle to the data as it will appear there.
//
//   - Same device: a zero-copy handle sharing src's buffer and readiness.
//   - Different devices, with communicators for both ends: allocate a
//     destination buffer and exchange it via a single collective group.
//   - Different devices, no communicators: enqueue a device-to-device
//     copy on the destination's stream, which waits for src.Ready first.
//
// The returned handle's preventGC keeps src.Data (and its own chain)
// alive until Ready fires.
func TransferTo(ctx context.Context, backend Backend, comms map[DeviceID]Communicator, src ManagedData, dst DeviceID) (*Transfer, error) {
	if src.Data.Device() == dst {
		return &Transfer{Data: src.Data, Ready: src.Ready, Device: dst, preventGC: src.PreventGC}, nil
	}

	dstDev := backend.Device(dst)
	dstBuf, err := dstDev.Alloc(src.Data.Shape())
	if err != nil {
		return nil, newTransferErrorf("allocating destination buffer on device %d: %v", dst, err)
	}

	srcComm := comms[src.Data.Device()]
	dstComm := comms[dst]
	if srcComm != nil && dstComm != nil {
		if err := src.Ready.Wait(ctx); err != nil {
			return nil, newTransferErrorf("waiting on source readiness: %v", err)
		}
		srcComm.GroupStart()
		if err := srcComm.Send(src.Data, dst); err != nil {
			return nil, newTransferErrorf("collective send to device %d: %v", dst, err)
		}
		if err := dstComm.Recv(dstBuf, src.Data.Device()); err != nil {
			return nil, newTransferErrorf("collective recv from device %d: %v", src.Data.Device(), err)
		}
		if err := srcComm.GroupEnd(); err != nil {
			return nil, newTransferErrorf("collective group on device pair (%d,%d): %v", src.Data.Device(), dst, err)
		}
	} else {
		if err := src.Ready.Wait(ctx); err != nil {
			return nil, newTransferErrorf("waiting on source readiness: %v", err)
		}
		if err := dstDev.Stream().EnqueueCopy(dstBuf, src.Data); err != nil {
			return nil, newTransferErrorf("device-to-device copy to %d: %v", dst, err)
		}
	}

	ready := dstDev.Stream().NewEvent()
	ready.Record()
	return &Transfer{
		Data:      dstBuf,
		Ready:     ready,
		Device:    dst,
		preventGC: append([]any{src.Data}, src.PreventGC...),
	}, nil
}
