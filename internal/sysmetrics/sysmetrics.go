// Package sysmetrics samples process-level CPU and memory usage.
package sysmetrics

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Snapshot is one process sample.
type Snapshot struct {
	CPUPercent float64 // since the previous sample; can exceed 100 on several cores
	HeapAlloc  uint64
	HeapInuse  uint64
	StackInuse uint64
	Sys        uint64
	NumGC      uint32
	Goroutines int
}

// Sampler tracks CPU time between samples. The zero value is not usable;
// call NewSampler.
type Sampler struct {
	mu       sync.Mutex
	lastWall time.Time
	lastCPU  time.Duration
	lastPct  float64
	now      func() time.Time
}

// NewSampler starts measuring CPU from now.
func NewSampler() *Sampler {
	s := &Sampler{now: time.Now}
	s.lastWall = s.now()
	s.lastCPU = cpuTime()
	return s
}

// CPUPercent returns the process CPU usage since the last call.
func (s *Sampler) CPUPercent() float64 {
	now := s.now()
	used := cpuTime()

	s.mu.Lock()
	defer s.mu.Unlock()

	wall := now.Sub(s.lastWall)
	if wall <= 0 {
		return s.lastPct
	}
	s.lastPct = float64(used-s.lastCPU) / float64(wall) * 100.0
	s.lastWall = now
	s.lastCPU = used
	return s.lastPct
}

// Sample reads CPU, runtime memory statistics and the goroutine count.
func (s *Sampler) Sample() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Snapshot{
		CPUPercent: s.CPUPercent(),
		HeapAlloc:  m.HeapAlloc,
		HeapInuse:  m.HeapInuse,
		StackInuse: m.StackInuse,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}

// cpuTime is user plus system time of this process.
func cpuTime() time.Duration {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0
	}
	return time.Duration(rusage.Utime.Nano()) + time.Duration(rusage.Stime.Nano())
}
