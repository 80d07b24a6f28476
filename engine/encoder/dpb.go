package encoder

import (
	"math"

	"github.com/spaghettifunk/vrstream/engine/gpu"
)

// EmptyFrameIndex marks a DPB slot that holds no picture.
const EmptyFrameIndex uint64 = math.MaxUint64

/**
 * @brief One layer of the decode picture buffer.
 */
type DpbSlot struct {
	View       gpu.ImageView
	Info       ReferenceSlotInfo
	Resource   PictureResource
	FrameIndex uint64
}

// Valid reports whether the slot holds a picture the driver can reference.
func (s *DpbSlot) Valid() bool {
	return s.Info.SlotIndex != -1
}

func (s *DpbSlot) clear() {
	s.Info.SlotIndex = -1
	s.Info.Picture = nil
	s.FrameIndex = EmptyFrameIndex
}

/**
 * @brief Picks the slot that receives the next reconstructed picture: the one
 * with the smallest FrameIndex+1, so empty slots wrap to 0 and come first,
 * then the oldest picture.
 */
func selectOutputSlot(dpb []DpbSlot) int {
	out := 0
	for i := 1; i < len(dpb); i++ {
		if dpb[i].FrameIndex+1 < dpb[out].FrameIndex+1 {
			out = i
		}
	}
	return out
}

/**
 * @brief Picks the reference for the next frame.
 * A slot holding the last acknowledged frame wins. Otherwise, while fewer
 * than maxWithoutAck frames were encoded since the last reset, the newest
 * valid slot is used.
 * @returns The slot index, or -1 when the frame must be encoded without reference.
 */
func selectReference(dpb []DpbSlot, lastAck uint64, frameNum uint64, maxWithoutAck uint32) int {
	for i := range dpb {
		if dpb[i].FrameIndex == lastAck && dpb[i].Valid() {
			return i
		}
	}
	if frameNum >= uint64(maxWithoutAck) {
		return -1
	}
	ref := -1
	for i := range dpb {
		if !dpb[i].Valid() {
			continue
		}
		if ref < 0 || dpb[i].FrameIndex > dpb[ref].FrameIndex {
			ref = i
		}
	}
	return ref
}

func resetSlots(dpb []DpbSlot) {
	for i := range dpb {
		dpb[i].clear()
	}
}

// snapshotSlots copies the driver facing slot descriptions.
func snapshotSlots(dpb []DpbSlot) []ReferenceSlotInfo {
	infos := make([]ReferenceSlotInfo, len(dpb))
	for i := range dpb {
		infos[i] = dpb[i].Info
	}
	return infos
}
