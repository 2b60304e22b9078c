package virtio

import "fmt"

// QueueReady reports whether a queue can be processed.
func QueueReady(q *queue) bool {
	return q != nil && q.ready && q.size > 0
}

// DescriptorProcessor handles a single descriptor chain and returns the
// number of bytes the device wrote into it.
type DescriptorProcessor func(dev device, q *queue, head uint16) (written uint32, err error)

// ProcessQueueNotifications walks every chain the driver has made
// available since the last call and hands each to the processor. Entries
// posted while the loop runs are picked up on the next notification.
func ProcessQueueNotifications(dev device, q *queue, processor DescriptorProcessor) (bool, error) {
	if !QueueReady(q) {
		return false, nil
	}

	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		return false, fmt.Errorf("read avail state: %w", err)
	}

	var processed bool
	for q.lastAvailIdx != availIdx {
		head, err := dev.readAvailEntry(q, q.lastAvailIdx%q.size)
		if err != nil {
			return processed, fmt.Errorf("read avail entry: %w", err)
		}

		written, err := processor(dev, q, head)
		if err != nil {
			return processed, err
		}

		if err := dev.recordUsedElement(q, head, written); err != nil {
			return processed, fmt.Errorf("record used element: %w", err)
		}

		q.lastAvailIdx++
		processed = true
	}

	return processed, nil
}

// ShouldRaiseInterrupt decides whether used-ring updates warrant an
// interrupt, honoring the driver's avail-ring suppression flag. If the
// flag cannot be read the interrupt is raised anyway.
func ShouldRaiseInterrupt(dev device, q *queue, processed bool) bool {
	if !processed {
		return false
	}

	availFlags, _, err := dev.readAvailState(q)
	if err != nil {
		return true
	}

	return availFlags&0x1 == 0
}

// FillDescriptorChain copies data into a device-writable descriptor chain,
// stopping when either the data or the chain runs out. Returns the bytes
// written and the number of descriptors visited.
func FillDescriptorChain(dev device, q *queue, head uint16, data []byte) (uint32, int, error) {
	var written uint32
	var consumed int

	index := head
	for i := uint16(0); i < q.size; i++ {
		desc, err := dev.readDescriptor(q, index)
		if err != nil {
			return written, consumed, err
		}

		if desc.flags&virtqDescFWrite == 0 {
			return written, consumed, fmt.Errorf("unexpected read-only descriptor in write chain")
		}

		consumed++

		n := len(data)
		if n > int(desc.length) {
			n = int(desc.length)
		}
		if n > 0 {
			if err := dev.writeGuest(desc.addr, data[:n]); err != nil {
				return written, consumed, err
			}
			written += uint32(n)
			data = data[n:]
		}

		if len(data) == 0 || desc.flags&virtqDescFNext == 0 {
			break
		}
		index = desc.next
	}

	return written, consumed, nil
}

// WritableChainCapacity sums the writable byte capacity of a descriptor
// chain without touching guest data buffers. A read-only descriptor
// anywhere in the chain is an error.
func WritableChainCapacity(dev device, q *queue, head uint16) (uint32, error) {
	var capacity uint32

	index := head
	for i := uint16(0); i < q.size; i++ {
		desc, err := dev.readDescriptor(q, index)
		if err != nil {
			return capacity, err
		}

		if desc.flags&virtqDescFWrite == 0 {
			return capacity, fmt.Errorf("read-only descriptor in writable chain")
		}

		capacity += desc.length

		if desc.flags&virtqDescFNext == 0 {
			break
		}
		index = desc.next
	}

	return capacity, nil
}
