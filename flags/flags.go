// Package flags evaluates feature flags per tenant. The gate is built once
// from configuration and handed to the components that consult it.
package flags

// Gate answers whether optional pipeline behavior runs for a tenant.
type Gate struct {
	visionDefault    bool
	visionOverrides  map[string]bool
	strategyDefault  string
	strategyByTenant map[string]string
}

func NewGate(visionDefault bool, visionOverrides map[string]bool,
	strategyDefault string, strategyByTenant map[string]string) *Gate {
	if visionOverrides == nil {
		visionOverrides = map[string]bool{}
	}
	if strategyByTenant == nil {
		strategyByTenant = map[string]string{}
	}
	return &Gate{
		visionDefault:    visionDefault,
		visionOverrides:  visionOverrides,
		strategyDefault:  strategyDefault,
		strategyByTenant: strategyByTenant,
	}
}

// VisionExtractionEnabled reports whether the vision sub-pipeline runs for
// the tenant's documents.
func (g *Gate) VisionExtractionEnabled(tenantID string) bool {
	if v, ok := g.visionOverrides[tenantID]; ok {
		return v
	}
	return g.visionDefault
}

// ChunkingStrategy names the chunking strategy for a tenant.
func (g *Gate) ChunkingStrategy(tenantID string) string {
	if s, ok := g.strategyByTenant[tenantID]; ok {
		return s
	}
	return g.strategyDefault
}
