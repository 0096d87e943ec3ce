// Package sqlguard 在执行前校验模型生成的 SQL。
//
// 使用 PostgreSQL 自身的解析器（pg_query）解析语句，只放行单条顶层 SELECT；
// WITH 子句中的每个 CTE 也必须是 SELECT。解析失败或语句类型不符都会被拒绝，
// 被拒绝的语句不会触达数据库。
package sqlguard

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var (
	ErrEmpty          = errors.New("empty query")
	ErrParse          = errors.New("query does not parse")
	ErrMultiple       = errors.New("more than one statement")
	ErrNotSelect      = errors.New("statement is not a SELECT")
	ErrSelectInto     = errors.New("SELECT INTO is not allowed")
	ErrLockingClause  = errors.New("locking clause is not allowed")
	ErrWritableCTE    = errors.New("data-modifying CTE is not allowed")
	errMissingSubtree = errors.New("set operation without operands")
)

// Validate 校验 query 是否为单条只读 SELECT，返回的错误可以用 errors.Is 匹配上述哨兵错误。
func Validate(query string) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmpty
	}

	tree, err := pg_query.Parse(query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}

	switch n := len(tree.GetStmts()); {
	case n == 0:
		return ErrEmpty
	case n > 1:
		return fmt.Errorf("%w: got %d", ErrMultiple, n)
	}

	node := tree.GetStmts()[0].GetStmt()
	sel := node.GetSelectStmt()
	if sel == nil {
		return fmt.Errorf("%w: %s", ErrNotSelect, statementKind(node))
	}
	return checkSelect(sel)
}

func checkSelect(sel *pg_query.SelectStmt) error {
	if sel.GetIntoClause() != nil {
		return ErrSelectInto
	}
	if len(sel.GetLockingClause()) > 0 {
		return ErrLockingClause
	}

	if with := sel.GetWithClause(); with != nil {
		for _, cte := range with.GetCtes() {
			expr := cte.GetCommonTableExpr()
			if expr == nil {
				continue
			}
			inner := expr.GetCtequery().GetSelectStmt()
			if inner == nil {
				return fmt.Errorf("%w: %s (%s)", ErrWritableCTE, expr.GetCtename(), statementKind(expr.GetCtequery()))
			}
			if err := checkSelect(inner); err != nil {
				return err
			}
		}
	}

	// UNION/INTERSECT/EXCEPT 的两侧分别校验
	left, right := sel.GetLarg(), sel.GetRarg()
	if left == nil && right == nil {
		return nil
	}
	if left == nil || right == nil {
		return errMissingSubtree
	}
	if err := checkSelect(left); err != nil {
		return err
	}
	return checkSelect(right)
}

// statementKind 返回语句节点的类型名，例如 DropStmt、InsertStmt
func statementKind(node *pg_query.Node) string {
	if node == nil || node.GetNode() == nil {
		return "unknown"
	}
	name := fmt.Sprintf("%T", node.GetNode())
	name = strings.TrimPrefix(name, "*pg_query.Node_")
	return name
}
