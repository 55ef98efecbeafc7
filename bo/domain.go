package bo

import "strings"

// Domain is a set of GPU caches or engines that access a buffer.
// Relocations carry a read set and at most one write domain.
type Domain uint32

const (
	// DomainCPU is the host.
	DomainCPU Domain = 1 << iota
	// DomainRender is the render-target cache.
	DomainRender
	// DomainSampler is the texture sampler.
	DomainSampler
	// DomainCommand is the command streamer.
	DomainCommand
	// DomainInstruction is the shader instruction and state fetch.
	DomainInstruction
	// DomainVertex is vertex fetch.
	DomainVertex
)

var domainNames = []string{"cpu", "render", "sampler", "command", "instruction", "vertex"}

// String returns a "|"-separated list of domain names.
func (d Domain) String() string {
	if d == 0 {
		return "none"
	}
	var parts []string
	for i, name := range domainNames {
		if d&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}
