package derive

import (
	"strings"

	"github.com/AnTengye/contractbill/model"
)

// Index groups a contract's clauses by id, type and lowercased unit. Slices
// keep the contract's clause order. An Index is read-only once built.
type Index struct {
	byID   map[string]model.Clause
	byType map[model.ClauseType][]model.Clause
	byUnit map[string][]model.Clause
}

func NewIndex(clauses []model.Clause) *Index {
	x := &Index{
		byID:   make(map[string]model.Clause, len(clauses)),
		byType: make(map[model.ClauseType][]model.Clause),
		byUnit: make(map[string][]model.Clause),
	}
	for _, c := range clauses {
		x.byID[c.ID] = c
		x.byType[c.Type] = append(x.byType[c.Type], c)
		unit := strings.ToLower(c.Unit)
		x.byUnit[unit] = append(x.byUnit[unit], c)
	}
	return x
}

func (x *Index) ByID(id string) (model.Clause, bool) {
	c, ok := x.byID[id]
	return c, ok
}

func (x *Index) ByType(t model.ClauseType) []model.Clause {
	return x.byType[t]
}

// ByUnit matches case-insensitively.
func (x *Index) ByUnit(unit string) []model.Clause {
	return x.byUnit[strings.ToLower(unit)]
}

func (x *Index) Len() int {
	return len(x.byID)
}
