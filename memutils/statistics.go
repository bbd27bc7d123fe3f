package memutils

import "math"

// Statistics summarizes the state of a region chain: how many regions exist, how many
// objects own them and how many bytes are in use
type Statistics struct {
	RegionCount int
	ObjectCount int
	TotalBytes  uint64
	UsedBytes   uint64
}

func (s *Statistics) Clear() {
	s.RegionCount = 0
	s.ObjectCount = 0
	s.TotalBytes = 0
	s.UsedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.ObjectCount += other.ObjectCount
	s.TotalBytes += other.TotalBytes
	s.UsedBytes += other.UsedBytes
}

// FreeBytes is the number of bytes not held by any object
func (s *Statistics) FreeBytes() uint64 {
	return s.TotalBytes - s.UsedBytes
}

type DetailedStatistics struct {
	Statistics
	FreeRegionCount   int
	UsedRegionCount   int
	UsedRegionSizeMin uint64
	UsedRegionSizeMax uint64
	FreeRegionSizeMin uint64
	FreeRegionSizeMax uint64
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRegionCount = 0
	s.UsedRegionCount = 0
	s.UsedRegionSizeMin = math.MaxUint64
	s.UsedRegionSizeMax = 0
	s.FreeRegionSizeMin = math.MaxUint64
	s.FreeRegionSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRegion(size uint64) {
	s.RegionCount++
	s.FreeRegionCount++
	s.TotalBytes += size

	if size < s.FreeRegionSizeMin {
		s.FreeRegionSizeMin = size
	}

	if size > s.FreeRegionSizeMax {
		s.FreeRegionSizeMax = size
	}
}

func (s *DetailedStatistics) AddUsedRegion(size uint64) {
	s.RegionCount++
	s.UsedRegionCount++
	s.TotalBytes += size
	s.UsedBytes += size

	if size < s.UsedRegionSizeMin {
		s.UsedRegionSizeMin = size
	}

	if size > s.UsedRegionSizeMax {
		s.UsedRegionSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRegionCount += other.FreeRegionCount
	s.UsedRegionCount += other.UsedRegionCount

	if other.FreeRegionSizeMin < s.FreeRegionSizeMin {
		s.FreeRegionSizeMin = other.FreeRegionSizeMin
	}

	if other.FreeRegionSizeMax > s.FreeRegionSizeMax {
		s.FreeRegionSizeMax = other.FreeRegionSizeMax
	}

	if other.UsedRegionSizeMin < s.UsedRegionSizeMin {
		s.UsedRegionSizeMin = other.UsedRegionSizeMin
	}

	if other.UsedRegionSizeMax > s.UsedRegionSizeMax {
		s.UsedRegionSizeMax = other.UsedRegionSizeMax
	}
}
