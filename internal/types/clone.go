package types

// Clone 返回 Lot 的深拷贝，存储层对外只暴露副本
func (l Lot) Clone() Lot {
	out := l
	out.CassetteIDs = cloneStrings(l.CassetteIDs)
	if l.Steps != nil {
		out.Steps = make([]LotStep, len(l.Steps))
		for i, s := range l.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	return out
}

// Clone 返回 LotStep 的深拷贝
func (s LotStep) Clone() LotStep {
	out := s
	out.CassetteIDs = cloneStrings(s.CassetteIDs)
	if s.Params != nil {
		out.Params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	if s.Carriers != nil {
		out.Carriers = append([]CarrierRef(nil), s.Carriers...)
	}
	out.PlanGroups = ClonePlanGroups(s.PlanGroups)
	return out
}

// ClonePlanGroups 深拷贝计划组
func ClonePlanGroups(groups []PlanGroup) []PlanGroup {
	if groups == nil {
		return nil
	}
	out := make([]PlanGroup, len(groups))
	for i, g := range groups {
		out[i] = g
		out[i].Plans = make([]Plan, len(g.Plans))
		for j, p := range g.Plans {
			out[i].Plans[j] = p.Clone()
		}
	}
	return out
}

// Clone 返回 Plan 的深拷贝
func (p Plan) Clone() Plan {
	out := p
	out.Steps = make([]PlanStep, len(p.Steps))
	for i, st := range p.Steps {
		out.Steps[i] = st
		out.Steps[i].Jobs = append([]Job(nil), st.Jobs...)
		out.Steps[i].CarrierIDs = cloneStrings(st.CarrierIDs)
	}
	return out
}

// Clone 返回 Area 的深拷贝
func (a Area) Clone() Area {
	out := a
	out.CassettePorts = cloneStrings(a.CassettePorts)
	out.TrayPorts = cloneStrings(a.TrayPorts)
	if a.Sets != nil {
		out.Sets = make([]Set, len(a.Sets))
		for i, s := range a.Sets {
			out.Sets[i] = Set{ID: s.ID, MemoryPorts: cloneStrings(s.MemoryPorts)}
		}
	}
	return out
}

// Clone 返回 Location 的深拷贝
func (l Location) Clone() Location {
	out := l
	out.Children = cloneStrings(l.Children)
	return out
}

// Clone 返回 Robot 的深拷贝
func (r Robot) Clone() Robot {
	out := r
	out.LocationIDs = cloneStrings(r.LocationIDs)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
