package photon

// MethodOverride carries per-method metadata edits persisted alongside the
// install record.
type MethodOverride struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Icon        string `yaml:"icon,omitempty" json:"icon,omitempty"`
}

// MetadataOverrides are user edits applied on top of the analyzed spec after
// every load. They survive upgrades because they live in the install
// registry, not in the source.
type MetadataOverrides struct {
	Icon        string                    `yaml:"icon,omitempty" json:"icon,omitempty"`
	Description string                    `yaml:"description,omitempty" json:"description,omitempty"`
	Methods     map[string]MethodOverride `yaml:"methods,omitempty" json:"methods,omitempty"`
}

// Apply rewrites the spec's display metadata in place.
func (o *MetadataOverrides) Apply(spec *Spec) {
	if o == nil {
		return
	}
	if o.Icon != "" {
		spec.Icon = o.Icon
	}
	if o.Description != "" {
		spec.Description = o.Description
	}
	if len(o.Methods) == 0 {
		return
	}
	for _, members := range [][]*Member{spec.Tools, spec.Prompts, spec.Resources} {
		for _, m := range members {
			if mo, ok := o.Methods[m.Name]; ok && mo.Description != "" {
				m.Description = mo.Description
			}
		}
	}
}
