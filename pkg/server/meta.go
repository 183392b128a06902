package server

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/redlineai/redline/pkg/skill"
)

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	ids := s.domains.IDs()
	sort.Strings(ids)

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		plugin, ok := s.domains.Get(id)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"id":        plugin.ID,
			"name":      plugin.Name,
			"subtypes":  plugin.Subtypes,
			"checklist": len(plugin.Checklist),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out})
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	plugin, ok := s.domains.Get(chi.URLParam(r, "domainID"))
	if !ok {
		writeError(w, http.StatusNotFound, "domain_not_found", "")
		return
	}
	writeJSON(w, http.StatusOK, plugin)
}

func (s *Server) skillList() []*skill.Registration {
	if s.catalog == nil {
		return nil
	}
	regs := s.catalog.List()
	sort.Slice(regs, func(i, j int) bool { return regs[i].ID < regs[j].ID })
	return regs
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	regs := s.skillList()
	if regs == nil {
		regs = []*skill.Registration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": regs})
}

func (s *Server) handleSkill(w http.ResponseWriter, r *http.Request) {
	if s.catalog != nil {
		if reg, ok := s.catalog.Get(chi.URLParam(r, "skillID")); ok {
			writeJSON(w, http.StatusOK, reg)
			return
		}
	}
	writeError(w, http.StatusNotFound, "skill_not_found", "")
}

func (s *Server) handleSkillsByDomain(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domainID")
	if _, ok := s.domains.Get(domainID); !ok {
		writeError(w, http.StatusNotFound, "domain_not_found", "")
		return
	}

	visible := make([]*skill.Registration, 0)
	for _, reg := range s.skillList() {
		if reg.VisibleTo(domainID) {
			visible = append(visible, reg)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": visible})
}
