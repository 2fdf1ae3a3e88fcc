package tenant

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	apperrors "github.com/aihub/rag-core/internal/errors"
)

// ScopedQuery 租户限定的原生SQL构造器
// 租户谓词由构造器结构性保证：没有合法的租户上下文就构造不出查询，
// 生成的每条语句都携带 organization_id 与 site_id 条件（fail closed）
type ScopedQuery struct {
	tenant Context
	table  string
	conds  []string
	args   []interface{}
}

// NewScopedQuery 创建限定查询，租户上下文非法时拒绝
func NewScopedQuery(tc Context, table string) (*ScopedQuery, error) {
	if !tc.Valid() {
		return nil, apperrors.NewTenantValidationError("scoped query requires organization and site identifiers")
	}
	if strings.TrimSpace(table) == "" {
		return nil, apperrors.NewInvalidInputError("table", "must not be empty")
	}
	return &ScopedQuery{
		tenant: tc,
		table:  table,
	}, nil
}

// Where 追加附加条件（使用?占位符）
func (q *ScopedQuery) Where(cond string, args ...interface{}) *ScopedQuery {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, args...)
	return q
}

// ActiveOnly 仅激活记录
func (q *ScopedQuery) ActiveOnly() *ScopedQuery {
	return q.Where("is_active = ?", true)
}

// whereClause 组装WHERE子句，租户谓词恒为前两项
func (q *ScopedQuery) whereClause() (string, []interface{}) {
	conds := append([]string{"organization_id = ?", "site_id = ?"}, q.conds...)
	args := append([]interface{}{q.tenant.OrganizationID, q.tenant.SiteID}, q.args...)
	return strings.Join(conds, " AND "), args
}

// SelectSQL 生成SELECT语句
func (q *ScopedQuery) SelectSQL(columns, orderBy string, limit int) (string, []interface{}) {
	where, args := q.whereClause()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", columns, pq.QuoteIdentifier(q.table), where)
	if orderBy != "" {
		sql += " ORDER BY " + orderBy
	}
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	return sql, args
}

// UpdateSQL 生成UPDATE语句
// 变更必须带有租户谓词之外的定位条件，否则拒绝生成（防止整租户误更新）
func (q *ScopedQuery) UpdateSQL(set map[string]interface{}) (string, []interface{}, error) {
	if len(set) == 0 {
		return "", nil, apperrors.NewInvalidInputError("set", "must not be empty")
	}
	if len(q.conds) == 0 {
		return "", nil, apperrors.NewTenantValidationError("scoped update requires a locating predicate beyond the tenant scope")
	}

	// 固定列顺序，保证生成SQL可复现
	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	setParts := make([]string, 0, len(cols))
	setArgs := make([]interface{}, 0, len(cols))
	for _, col := range cols {
		setParts = append(setParts, fmt.Sprintf("%s = ?", col))
		setArgs = append(setArgs, set[col])
	}

	where, whereArgs := q.whereClause()
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		pq.QuoteIdentifier(q.table), strings.Join(setParts, ", "), where)
	return sql, append(setArgs, whereArgs...), nil
}

// Tenant 返回查询的租户上下文
func (q *ScopedQuery) Tenant() Context {
	return q.tenant
}
