package tenant

// Context 租户上下文，标识一次请求的隔离边界 (organization, site)
// 仅在调用链中传递，不落库
type Context struct {
	OrganizationID string
	SiteID         string
	UserID         string
}

// Valid 两个ID均已填充
func (c Context) Valid() bool {
	return c.OrganizationID != "" && c.SiteID != ""
}
