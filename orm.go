package rpctx

import (
	"context"
	"fmt"

	"github.com/rbaliyan/rpctx/pool"
	"github.com/rbaliyan/rpctx/transaction"
)

var (
	_ transaction.Executor = (*Client)(nil)
	_ pool.Conn            = (*Client)(nil)
)

// ExecuteKw invokes method on model with positional args and keyword
// kwargs, authenticating first if no session is held. The result is
// decoded into out, which may be nil.
func (c *Client) ExecuteKw(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	uid, err := c.session(ctx)
	if err != nil {
		return err
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return c.call(ctx, "object", "execute_kw",
		[]any{c.db, uid, c.password, model, method, args, kwargs}, out)
}

// Create inserts one record and returns its server-assigned ID.
func (c *Client) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	var id int64
	if err := c.ExecuteKw(ctx, model, "create", []any{values}, nil, &id); err != nil {
		return 0, fmt.Errorf("create %s: %w", model, err)
	}
	return id, nil
}

// Write applies values to every record in ids.
func (c *Client) Write(ctx context.Context, model string, ids []int64, values map[string]any) error {
	if err := c.ExecuteKw(ctx, model, "write", []any{ids, values}, nil, nil); err != nil {
		return fmt.Errorf("write %s: %w", model, err)
	}
	return nil
}

// Unlink deletes the records in ids.
func (c *Client) Unlink(ctx context.Context, model string, ids []int64) error {
	if err := c.ExecuteKw(ctx, model, "unlink", []any{ids}, nil, nil); err != nil {
		return fmt.Errorf("unlink %s: %w", model, err)
	}
	return nil
}

// Read fetches the given fields for the records in ids. A nil fields
// slice fetches every field.
func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error) {
	kwargs := map[string]any{}
	if fields != nil {
		kwargs["fields"] = fields
	}
	var records []map[string]any
	if err := c.ExecuteKw(ctx, model, "read", []any{ids}, kwargs, &records); err != nil {
		return nil, fmt.Errorf("read %s: %w", model, err)
	}
	return records, nil
}

// SearchRead searches model with the given domain filter and returns the
// matching records. Zero limit means no limit.
func (c *Client) SearchRead(ctx context.Context, model string, domain []any, fields []string, offset, limit int) ([]map[string]any, error) {
	if domain == nil {
		domain = []any{}
	}
	kwargs := map[string]any{}
	if fields != nil {
		kwargs["fields"] = fields
	}
	if offset > 0 {
		kwargs["offset"] = offset
	}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	var records []map[string]any
	if err := c.ExecuteKw(ctx, model, "search_read", []any{domain}, kwargs, &records); err != nil {
		return nil, fmt.Errorf("search_read %s: %w", model, err)
	}
	return records, nil
}

// SearchCount returns the number of records matching the domain filter.
func (c *Client) SearchCount(ctx context.Context, model string, domain []any) (int64, error) {
	if domain == nil {
		domain = []any{}
	}
	var count int64
	if err := c.ExecuteKw(ctx, model, "search_count", []any{domain}, nil, &count); err != nil {
		return 0, fmt.Errorf("search_count %s: %w", model, err)
	}
	return count, nil
}

// FieldsGet introspects the model's field definitions. A nil attributes
// slice returns every attribute.
func (c *Client) FieldsGet(ctx context.Context, model string, attributes []string) (map[string]map[string]any, error) {
	kwargs := map[string]any{}
	if attributes != nil {
		kwargs["attributes"] = attributes
	}
	var fields map[string]map[string]any
	if err := c.ExecuteKw(ctx, model, "fields_get", []any{}, kwargs, &fields); err != nil {
		return nil, fmt.Errorf("fields_get %s: %w", model, err)
	}
	return fields, nil
}

// CreateRecords inserts records in one call and returns the new IDs, in
// input order. It satisfies transaction.Executor so rollbacks can
// recreate deleted records.
func (c *Client) CreateRecords(ctx context.Context, model string, records []map[string]any) ([]int64, error) {
	var ids []int64
	if err := c.ExecuteKw(ctx, model, "create", []any{records}, nil, &ids); err != nil {
		return nil, fmt.Errorf("create %s: %w", model, err)
	}
	return ids, nil
}

// UpdateRecords applies values to ids. It satisfies transaction.Executor
// so rollbacks can restore original field values.
func (c *Client) UpdateRecords(ctx context.Context, model string, ids []int64, values map[string]any) error {
	return c.Write(ctx, model, ids, values)
}

// DeleteRecords removes ids. It satisfies transaction.Executor so
// rollbacks can delete compensated creates.
func (c *Client) DeleteRecords(ctx context.Context, model string, ids []int64) error {
	return c.Unlink(ctx, model, ids)
}
