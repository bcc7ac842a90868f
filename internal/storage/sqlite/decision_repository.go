package sqlite

import "database/sql"

// DecisionRepository combines the read and write sides over one connection.
type DecisionRepository struct {
	*DecisionReadRepository
	*DecisionWriteRepository
}

func NewDecisionRepository(dbConn *sql.DB, opts ...Option) *DecisionRepository {
	return &DecisionRepository{
		DecisionReadRepository:  NewDecisionReadRepository(dbConn),
		DecisionWriteRepository: NewDecisionWriteRepository(dbConn, opts...),
	}
}
