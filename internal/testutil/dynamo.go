// Package testutil holds test doubles shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Dynamo is an in-memory DynamoDB fake. It understands the expressions the
// stores issue: condition expressions built from attribute_exists,
// attribute_not_exists and `attr = :value` joined by AND, and update
// expressions of the form `SET a = :x, #b = :y`.
type Dynamo struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]map[string]types.AttributeValue
	calls  map[string]int

	// BeforeWrite, when set, runs before every write operation outside the
	// fake's lock, so it may itself write to simulate a concurrent writer.
	BeforeWrite func(op, table string)
	// Fail, when set, is consulted before every operation; a non-nil error
	// is returned to the caller.
	Fail func(op, table string) error
}

// NewDynamo returns a fake with the given tables, mapping table name to its
// partition key attribute.
func NewDynamo(tables map[string]string) *Dynamo {
	d := &Dynamo{
		keys:   map[string]string{},
		tables: map[string]map[string]map[string]types.AttributeValue{},
		calls:  map[string]int{},
	}
	for name, pk := range tables {
		d.keys[name] = pk
		d.tables[name] = map[string]map[string]types.AttributeValue{}
	}
	return d
}

// Calls returns how many times op was invoked.
func (d *Dynamo) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Len returns the number of items in table.
func (d *Dynamo) Len(table string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tables[table])
}

// Item returns a copy of the raw item stored under pk, or nil.
func (d *Dynamo) Item(table, pk string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.tables[table][pk]
	if !ok {
		return nil
	}
	return copyItem(item)
}

func (d *Dynamo) begin(ctx context.Context, op, table string, write bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if write && d.BeforeWrite != nil {
		d.BeforeWrite(op, table)
	}
	if d.Fail != nil {
		if err := d.Fail(op, table); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	table := sdkaws.ToString(in.TableName)
	if err := d.begin(ctx, "GetItem", table, false); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["GetItem"]++

	pk, err := d.keyOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := d.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (d *Dynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	table := sdkaws.ToString(in.TableName)
	if err := d.begin(ctx, "PutItem", table, true); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["PutItem"]++

	pk, err := d.keyOf(table, in.Item)
	if err != nil {
		return nil, err
	}
	existing := d.tables[table][pk]
	ok, err := evalCondition(sdkaws.ToString(in.ConditionExpression), existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	d.tables[table][pk] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (d *Dynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	table := sdkaws.ToString(in.TableName)
	if err := d.begin(ctx, "UpdateItem", table, true); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["UpdateItem"]++

	pk, err := d.keyOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	existing := d.tables[table][pk]
	ok, err := evalCondition(sdkaws.ToString(in.ConditionExpression), existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	item := copyItem(existing)
	if item == nil {
		item = copyItem(in.Key)
	}
	if err := applyUpdate(sdkaws.ToString(in.UpdateExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	d.tables[table][pk] = item
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (d *Dynamo) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	table := sdkaws.ToString(in.TableName)
	if err := d.begin(ctx, "DeleteItem", table, true); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["DeleteItem"]++

	pk, err := d.keyOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(sdkaws.ToString(in.ConditionExpression), d.tables[table][pk], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	delete(d.tables[table], pk)
	return &dyn.DeleteItemOutput{}, nil
}

// Scan returns every item of the table ordered by partition key. Limit and
// ExclusiveStartKey are honoured so pagination loops are exercised.
func (d *Dynamo) Scan(ctx context.Context, in *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	table := sdkaws.ToString(in.TableName)
	if err := d.begin(ctx, "Scan", table, false); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["Scan"]++

	rows, ok := d.tables[table]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: sdkaws.String("table " + table)}
	}
	pks := make([]string, 0, len(rows))
	for pk := range rows {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	start := 0
	if in.ExclusiveStartKey != nil {
		after, err := d.keyOf(table, in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		start = sort.SearchStrings(pks, after)
		if start < len(pks) && pks[start] == after {
			start++
		}
	}

	out := &dyn.ScanOutput{}
	for i := start; i < len(pks); i++ {
		if in.Limit != nil && len(out.Items) == int(*in.Limit) {
			out.LastEvaluatedKey = map[string]types.AttributeValue{
				d.keys[table]: &types.AttributeValueMemberS{Value: pks[i-1]},
			}
			break
		}
		out.Items = append(out.Items, copyItem(rows[pks[i]]))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

// TransactWriteItems checks every condition before applying any write, and
// fails the whole batch with TransactionCanceledException if one fails.
func (d *Dynamo) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	if err := d.begin(ctx, "TransactWriteItems", "", true); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["TransactWriteItems"]++

	type write struct {
		table string
		pk    string
		apply func()
	}
	var writes []write
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false

	for i, it := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		var (
			table, cond string
			key         map[string]types.AttributeValue
			names       map[string]string
			values      map[string]types.AttributeValue
			apply       func(table, pk string)
		)
		switch {
		case it.Put != nil:
			table, cond, key = sdkaws.ToString(it.Put.TableName), sdkaws.ToString(it.Put.ConditionExpression), it.Put.Item
			names, values = it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues
			item := it.Put.Item
			apply = func(table, pk string) { d.tables[table][pk] = copyItem(item) }
		case it.Delete != nil:
			table, cond, key = sdkaws.ToString(it.Delete.TableName), sdkaws.ToString(it.Delete.ConditionExpression), it.Delete.Key
			names, values = it.Delete.ExpressionAttributeNames, it.Delete.ExpressionAttributeValues
			apply = func(table, pk string) { delete(d.tables[table], pk) }
		case it.ConditionCheck != nil:
			table, cond, key = sdkaws.ToString(it.ConditionCheck.TableName), sdkaws.ToString(it.ConditionCheck.ConditionExpression), it.ConditionCheck.Key
			names, values = it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues
			apply = func(string, string) {}
		default:
			return nil, errors.New("testutil: unsupported transact item")
		}

		pk, err := d.keyOf(table, key)
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(cond, d.tables[table][pk], names, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = true
			reasons[i] = types.CancellationReason{Code: sdkaws.String("ConditionalCheckFailed")}
			continue
		}
		tbl, k, fn := table, pk, apply
		writes = append(writes, write{table: tbl, pk: k, apply: func() { fn(tbl, k) }})
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		w.apply()
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (d *Dynamo) keyOf(table string, item map[string]types.AttributeValue) (string, error) {
	attr, ok := d.keys[table]
	if !ok {
		return "", &types.ResourceNotFoundException{Message: sdkaws.String("table " + table)}
	}
	v, ok := item[attr].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("testutil: item for %s has no string key %q", table, attr)
	}
	return v.Value, nil
}

func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
			attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
			if _, ok := item[attr]; ok {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
			attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
			if _, ok := item[attr]; !ok {
				return false, nil
			}
		case strings.Contains(clause, " = "):
			parts := strings.SplitN(clause, " = ", 2)
			attr := resolveName(strings.TrimSpace(parts[0]), names)
			want, ok := values[strings.TrimSpace(parts[1])]
			if !ok {
				return false, fmt.Errorf("testutil: missing value %s", parts[1])
			}
			if !equal(item[attr], want) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("testutil: unsupported condition %q", clause)
		}
	}
	return true, nil
}

func applyUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("testutil: unsupported update %q", expr)
	}
	for _, assign := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		parts := strings.SplitN(assign, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("testutil: bad assignment %q", assign)
		}
		attr := resolveName(strings.TrimSpace(parts[0]), names)
		v, ok := values[strings.TrimSpace(parts[1])]
		if !ok {
			return fmt.Errorf("testutil: missing value %s", parts[1])
		}
		item[attr] = v
	}
	return nil
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

func equal(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	default:
		return false
	}
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
