// Package awstest provides in-memory fakes for the AWS client interfaces.
// The DynamoDB fake understands only the condition, update and key
// expressions the stores actually issue.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type gsi struct {
	hashAttr  string
	rangeAttr string
}

type table struct {
	pk    string
	sk    string
	items map[string]map[string]types.AttributeValue
	gsis  map[string]gsi
}

// Dynamo is a multi-table in-memory DynamoDB fake.
type Dynamo struct {
	mu     sync.Mutex
	tables map[string]*table

	PutCalls      int
	GetCalls      int
	UpdateCalls   int
	QueryCalls    int
	TransactCalls int

	// GetErrs primes GetItem to fail for specific tables.
	GetErrs map[string]error
}

// NewDynamo returns an empty fake with no tables.
func NewDynamo() *Dynamo {
	return &Dynamo{tables: map[string]*table{}}
}

// AddTable registers a table. sk may be empty for a simple primary key.
func (d *Dynamo) AddTable(name, pk, sk string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = &table{pk: pk, sk: sk, items: map[string]map[string]types.AttributeValue{}, gsis: map[string]gsi{}}
}

// AddGSI registers a global secondary index on an existing table.
func (d *Dynamo) AddGSI(tableName, indexName, hashAttr, rangeAttr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[tableName].gsis[indexName] = gsi{hashAttr: hashAttr, rangeAttr: rangeAttr}
}

// Len reports the number of items in a table.
func (d *Dynamo) Len(tableName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tables[tableName].items)
}

// RawItem returns the stored attribute map for direct assertions.
func (d *Dynamo) RawItem(tableName, pk, sk string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tables[tableName].items[pk+"\x00"+sk]
}

func (t *table) keyOf(item map[string]types.AttributeValue) (string, error) {
	pkv, ok := item[t.pk]
	if !ok {
		return "", fmt.Errorf("item missing partition key %s", t.pk)
	}
	key := stringOf(pkv)
	if t.sk != "" {
		skv, ok := item[t.sk]
		if !ok {
			return "", fmt.Errorf("item missing sort key %s", t.sk)
		}
		key += "\x00" + stringOf(skv)
	} else {
		key += "\x00"
	}
	return key, nil
}

func stringOf(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return av.Value
	case *types.AttributeValueMemberN:
		return av.Value
	default:
		return fmt.Sprintf("%v", v)
	}
}

func attrEq(a, b types.AttributeValue) bool {
	if a == nil || b == nil {
		return false
	}
	return stringOf(a) == stringOf(b)
}

// evalCondition handles the expression forms the stores use:
// attribute_exists(a), attribute_not_exists(a), a = :v, a <> :v,
// joined by AND / OR with parenthesized groups. OR splits before AND so
// AND binds tighter, matching DynamoDB precedence.
func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = trimOuterParens(strings.TrimSpace(expr))

	if parts := splitTopLevel(expr, " OR "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalCondition(p, item, names, values)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if parts := splitTopLevel(expr, " AND "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalCondition(p, item, names, values)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	switch {
	case strings.HasPrefix(expr, "attribute_not_exists(") && strings.HasSuffix(expr, ")"):
		attr := resolveName(expr[len("attribute_not_exists("):len(expr)-1], names)
		if item == nil {
			return true, nil
		}
		_, ok := item[attr]
		return !ok, nil
	case strings.HasPrefix(expr, "attribute_exists(") && strings.HasSuffix(expr, ")"):
		attr := resolveName(expr[len("attribute_exists("):len(expr)-1], names)
		if item == nil {
			return false, nil
		}
		_, ok := item[attr]
		return ok, nil
	case strings.Contains(expr, "<>"):
		lhs, rhs, _ := strings.Cut(expr, "<>")
		attr := resolveName(strings.TrimSpace(lhs), names)
		val := values[strings.TrimSpace(rhs)]
		if item == nil {
			return true, nil
		}
		return !attrEq(item[attr], val), nil
	case strings.Contains(expr, "="):
		lhs, rhs, _ := strings.Cut(expr, "=")
		attr := resolveName(strings.TrimSpace(lhs), names)
		val := values[strings.TrimSpace(rhs)]
		if item == nil {
			return false, nil
		}
		return attrEq(item[attr], val), nil
	}
	return false, fmt.Errorf("unsupported condition expression %q", expr)
}

// trimOuterParens strips parentheses only when they enclose the whole
// expression, so function-style predicates keep their closing paren.
func trimOuterParens(expr string) string {
	for strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		depth := 0
		wraps := true
		for i := 0; i < len(expr); i++ {
			switch expr[i] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 && i != len(expr)-1 {
					wraps = false
				}
			}
		}
		if !wraps {
			return expr
		}
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	return expr
}

// splitTopLevel splits expr on sep, ignoring separators inside parentheses.
func splitTopLevel(expr, sep string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && strings.HasPrefix(expr[i:], sep) {
				parts = append(parts, expr[start:i])
				start = i + len(sep)
				i = start - 1
			}
		}
	}
	return append(parts, expr[start:])
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if resolved, ok := names[name]; ok {
			return resolved
		}
	}
	return name
}

func (d *Dynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PutCalls++

	t, ok := d.tables[*params.TableName]
	if !ok {
		return nil, fmt.Errorf("unknown table %s", *params.TableName)
	}
	key, err := t.keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil {
		ok, err := evalCondition(*params.ConditionExpression, t.items[key], params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	t.items[key] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (d *Dynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.GetCalls++

	if err := d.GetErrs[*params.TableName]; err != nil {
		return nil, err
	}
	t, ok := d.tables[*params.TableName]
	if !ok {
		return nil, fmt.Errorf("unknown table %s", *params.TableName)
	}
	key, err := t.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[key]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (d *Dynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.UpdateCalls++

	t, ok := d.tables[*params.TableName]
	if !ok {
		return nil, fmt.Errorf("unknown table %s", *params.TableName)
	}
	key, err := t.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item := t.items[key]
	if params.ConditionExpression != nil {
		ok, err := evalCondition(*params.ConditionExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	if item == nil {
		item = copyItem(params.Key)
	}
	if params.UpdateExpression != nil {
		if err := applySet(*params.UpdateExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
			return nil, err
		}
	}
	t.items[key] = item
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

// applySet handles "SET a = :x, b = :y" expressions.
func applySet(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("unsupported update expression %q", expr)
	}
	for _, assign := range strings.Split(expr[len("SET "):], ",") {
		lhs, rhs, found := strings.Cut(assign, "=")
		if !found {
			return fmt.Errorf("unsupported assignment %q", assign)
		}
		attr := resolveName(strings.TrimSpace(lhs), names)
		val, ok := values[strings.TrimSpace(rhs)]
		if !ok {
			return fmt.Errorf("missing expression value %q", strings.TrimSpace(rhs))
		}
		item[attr] = val
	}
	return nil
}

func (d *Dynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.QueryCalls++

	t, ok := d.tables[*params.TableName]
	if !ok {
		return nil, fmt.Errorf("unknown table %s", *params.TableName)
	}

	hashAttr, rangeAttr := t.pk, t.sk
	if params.IndexName != nil {
		g, ok := t.gsis[*params.IndexName]
		if !ok {
			return nil, fmt.Errorf("unknown index %s", *params.IndexName)
		}
		hashAttr, rangeAttr = g.hashAttr, g.rangeAttr
	}

	hashVal, rangeUpper, err := parseKeyCondition(*params.KeyConditionExpression, hashAttr, rangeAttr, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.items {
		hv, ok := item[hashAttr]
		if !ok || !attrEq(hv, hashVal) {
			continue
		}
		if rangeUpper != nil {
			rv, ok := item[rangeAttr]
			if !ok || stringOf(rv) >= stringOf(rangeUpper) {
				continue
			}
		}
		if params.FilterExpression != nil {
			keep, err := evalCondition(*params.FilterExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
		}
		matched = append(matched, copyItem(item))
	}

	if rangeAttr != "" {
		sort.Slice(matched, func(i, j int) bool {
			return stringOf(matched[i][rangeAttr]) < stringOf(matched[j][rangeAttr])
		})
	}
	return &dyn.QueryOutput{Items: matched, Count: int32(len(matched))}, nil
}

// parseKeyCondition handles "hash = :h" and "hash = :h AND range < :r".
func parseKeyCondition(expr, hashAttr, rangeAttr string, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, types.AttributeValue, error) {
	var hashVal, rangeUpper types.AttributeValue
	for _, part := range strings.Split(expr, " AND ") {
		part = strings.TrimSpace(part)
		switch {
		case strings.Contains(part, "<"):
			lhs, rhs, _ := strings.Cut(part, "<")
			if resolveName(strings.TrimSpace(lhs), names) != rangeAttr {
				return nil, nil, fmt.Errorf("unexpected range attribute in %q", part)
			}
			rangeUpper = values[strings.TrimSpace(rhs)]
		case strings.Contains(part, "="):
			lhs, rhs, _ := strings.Cut(part, "=")
			if resolveName(strings.TrimSpace(lhs), names) != hashAttr {
				return nil, nil, fmt.Errorf("unexpected hash attribute in %q", part)
			}
			hashVal = values[strings.TrimSpace(rhs)]
		default:
			return nil, nil, fmt.Errorf("unsupported key condition %q", part)
		}
	}
	if hashVal == nil {
		return nil, nil, errors.New("key condition missing hash equality")
	}
	return hashVal, rangeUpper, nil
}

func (d *Dynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.TransactCalls++

	// first pass: evaluate every condition, fail the whole batch on any miss
	for _, it := range params.TransactItems {
		p := it.Put
		if p == nil {
			continue
		}
		t, ok := d.tables[*p.TableName]
		if !ok {
			return nil, fmt.Errorf("unknown table %s", *p.TableName)
		}
		key, err := t.keyOf(p.Item)
		if err != nil {
			return nil, err
		}
		if p.ConditionExpression != nil {
			ok, err := evalCondition(*p.ConditionExpression, t.items[key], p.ExpressionAttributeNames, p.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &types.TransactionCanceledException{}
			}
		}
	}
	for _, it := range params.TransactItems {
		p := it.Put
		if p == nil {
			continue
		}
		t := d.tables[*p.TableName]
		key, _ := t.keyOf(p.Item)
		t.items[key] = p.Item
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
