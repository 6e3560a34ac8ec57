package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/querygate/querygate/internal/mongoshell"
)

// cursorMods accumulates the chained cursor methods of a find/aggregate.
type cursorMods struct {
	sort       interface{}
	projection interface{}
	limit      *int64
	skip       *int64
}

func parseChain(chain []mongoshell.Call) (*cursorMods, error) {
	mods := &cursorMods{}
	for _, call := range chain {
		switch call.Name {
		case "sort":
			doc, ok := firstDoc(call.Args)
			if !ok {
				return nil, fmt.Errorf("sort requires a document argument")
			}
			mods.sort = doc
		case "project", "projection":
			doc, ok := firstDoc(call.Args)
			if !ok {
				return nil, fmt.Errorf("%s requires a document argument", call.Name)
			}
			mods.projection = doc
		case "limit":
			n, err := intChainArg(call)
			if err != nil {
				return nil, err
			}
			mods.limit = &n
		case "skip":
			n, err := intChainArg(call)
			if err != nil {
				return nil, err
			}
			mods.skip = &n
		case "count":
			return nil, fmt.Errorf("cursor count() is deprecated; use countDocuments instead")
		case "toArray":
			return nil, fmt.Errorf("toArray() is unnecessary; results are returned as rows")
		default:
			return nil, fmt.Errorf("unsupported cursor method %q", call.Name)
		}
	}
	return mods, nil
}

func intChainArg(call mongoshell.Call) (int64, error) {
	if len(call.Args) == 0 {
		return 0, fmt.Errorf("%s requires a numeric argument", call.Name)
	}
	switch n := call.Args[0].(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%s requires a numeric argument", call.Name)
	}
}

func firstDoc(args []interface{}) (map[string]interface{}, bool) {
	if len(args) == 0 {
		return nil, false
	}
	doc, ok := args[0].(map[string]interface{})
	return doc, ok
}

func argDoc(args []interface{}, i int) map[string]interface{} {
	if i < len(args) {
		if doc, ok := args[i].(map[string]interface{}); ok {
			return doc
		}
	}
	return nil
}

func (m *Mongo) execCollection(ctx context.Context, coll *mongo.Collection, parsed *mongoshell.Query, qopts QueryOptions, started time.Time) (*QueryResult, error) {
	mods, err := parseChain(parsed.Chain)
	if err != nil {
		return nil, err
	}

	switch parsed.Operation {
	case "find":
		return m.execFind(ctx, coll, parsed, mods, qopts, started)
	case "findOne":
		return m.execFindOne(ctx, coll, parsed, mods, started)
	case "aggregate":
		return m.execAggregate(ctx, coll, parsed, mods, qopts, started)
	case "countDocuments", "count":
		filter := orEmpty(argDoc(parsed.Args, 0))
		n, err := coll.CountDocuments(ctx, filter,
			options.Count().SetMaxTime(m.settings.QueryTimeout))
		if err != nil {
			return nil, err
		}
		return commandResult(map[string]interface{}{"count": n}, started), nil
	case "estimatedDocumentCount":
		n, err := coll.EstimatedDocumentCount(ctx,
			options.EstimatedDocumentCount().SetMaxTime(m.settings.QueryTimeout))
		if err != nil {
			return nil, err
		}
		return commandResult(map[string]interface{}{"count": n}, started), nil
	case "distinct":
		return m.execDistinct(ctx, coll, parsed, started)
	case "insertOne":
		if len(parsed.Args) == 0 {
			return nil, fmt.Errorf("insertOne requires a document argument")
		}
		res, err := coll.InsertOne(ctx, parsed.Args[0])
		if err != nil {
			return nil, err
		}
		return commandResult(map[string]interface{}{
			"acknowledged": true,
			"insertedId":   res.InsertedID,
		}, started), nil
	case "insertMany":
		if len(parsed.Args) == 0 {
			return nil, fmt.Errorf("insertMany requires an array of documents")
		}
		docs, ok := parsed.Args[0].([]interface{})
		if !ok {
			return nil, fmt.Errorf("insertMany requires an array of documents")
		}
		res, err := coll.InsertMany(ctx, docs)
		if err != nil {
			return nil, err
		}
		return commandResult(map[string]interface{}{
			"acknowledged":  true,
			"insertedCount": len(res.InsertedIDs),
			"insertedIds":   res.InsertedIDs,
		}, started), nil
	case "updateOne", "updateMany":
		return m.execUpdate(ctx, coll, parsed, started)
	case "replaceOne":
		if len(parsed.Args) < 2 {
			return nil, fmt.Errorf("replaceOne requires filter and replacement arguments")
		}
		opts := options.Replace()
		if o := argDoc(parsed.Args, 2); o != nil {
			if up, ok := o["upsert"].(bool); ok {
				opts.SetUpsert(up)
			}
		}
		res, err := coll.ReplaceOne(ctx, parsed.Args[0], parsed.Args[1], opts)
		if err != nil {
			return nil, err
		}
		return updateResultRow(res, started), nil
	case "deleteOne", "deleteMany":
		filter := orEmpty(argDoc(parsed.Args, 0))
		var res *mongo.DeleteResult
		var err error
		if parsed.Operation == "deleteOne" {
			res, err = coll.DeleteOne(ctx, filter)
		} else {
			res, err = coll.DeleteMany(ctx, filter)
		}
		if err != nil {
			return nil, err
		}
		return commandResult(map[string]interface{}{
			"acknowledged": true,
			"deletedCount": res.DeletedCount,
		}, started), nil
	case "findOneAndUpdate", "findOneAndDelete", "findOneAndReplace":
		return m.execFindOneAnd(ctx, coll, parsed, started)
	case "bulkWrite":
		return m.execBulkWrite(ctx, coll, parsed, started)
	case "createIndex":
		return m.execCreateIndex(ctx, coll, parsed, started)
	case "listIndexes", "getIndexes":
		cursor, err := coll.Indexes().List(ctx)
		if err != nil {
			return nil, err
		}
		return collectMongoCursor(ctx, cursor, started)
	case "dropIndex":
		name, err := stringArg(parsed.Args, 0, "dropIndex")
		if err != nil {
			return nil, err
		}
		if _, err := coll.Indexes().DropOne(ctx, name); err != nil {
			return nil, err
		}
		return commandResult(map[string]interface{}{"dropped": name, "ok": true}, started), nil
	case "stats":
		return m.runCommandRow(ctx, coll.Database(),
			bson.D{{Key: "collStats", Value: coll.Name()}}, started)
	case "drop":
		if shouldSimulate(qopts) {
			return simulatedResult("drop", started), nil
		}
		if err := coll.Drop(ctx); err != nil {
			return nil, err
		}
		return commandResult(map[string]interface{}{"dropped": coll.Name(), "ok": true}, started), nil
	default:
		return nil, fmt.Errorf("unsupported collection operation %q", parsed.Operation)
	}
}

func orEmpty(doc map[string]interface{}) interface{} {
	if doc == nil {
		return bson.M{}
	}
	return doc
}

// effectiveLimit resolves the row cap: chained limit wins, then the request
// option, then the configured default.
func (m *Mongo) effectiveLimit(mods *cursorMods, qopts QueryOptions) int64 {
	if mods.limit != nil {
		return *mods.limit
	}
	if qopts.Limit > 0 {
		return int64(qopts.Limit)
	}
	if qopts.NoDefaultLimit {
		return 0
	}
	return int64(m.settings.DefaultLimit)
}

func (m *Mongo) execFind(ctx context.Context, coll *mongo.Collection, parsed *mongoshell.Query, mods *cursorMods, qopts QueryOptions, started time.Time) (*QueryResult, error) {
	filter := orEmpty(argDoc(parsed.Args, 0))

	projection := mods.projection
	if projection == nil {
		if doc := argDoc(parsed.Args, 1); len(doc) > 0 {
			projection = doc
		}
	}

	limit := m.effectiveLimit(mods, qopts)
	var skip int64
	if mods.skip != nil {
		skip = *mods.skip
	} else if qopts.Offset > 0 {
		skip = int64(qopts.Offset)
	}

	if qopts.Explain {
		cmd := bson.D{
			{Key: "find", Value: coll.Name()},
			{Key: "filter", Value: filter},
		}
		if mods.sort != nil {
			cmd = append(cmd, bson.E{Key: "sort", Value: mods.sort})
		}
		if projection != nil {
			cmd = append(cmd, bson.E{Key: "projection", Value: projection})
		}
		if limit > 0 {
			cmd = append(cmd, bson.E{Key: "limit", Value: limit})
		}
		if skip > 0 {
			cmd = append(cmd, bson.E{Key: "skip", Value: skip})
		}
		return m.explainCommand(ctx, coll, cmd, started)
	}

	findOpts := options.Find().SetMaxTime(m.settings.QueryTimeout)
	if mods.sort != nil {
		findOpts.SetSort(mods.sort)
	}
	if projection != nil {
		findOpts.SetProjection(projection)
	}
	if limit > 0 {
		findOpts.SetLimit(limit)
	}
	if skip > 0 {
		findOpts.SetSkip(skip)
	}

	cursor, err := coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	return collectMongoCursor(ctx, cursor, started)
}

func (m *Mongo) execFindOne(ctx context.Context, coll *mongo.Collection, parsed *mongoshell.Query, mods *cursorMods, started time.Time) (*QueryResult, error) {
	filter := orEmpty(argDoc(parsed.Args, 0))

	opts := options.FindOne().SetMaxTime(m.settings.QueryTimeout)
	if mods.sort != nil {
		opts.SetSort(mods.sort)
	}
	if mods.projection != nil {
		opts.SetProjection(mods.projection)
	} else if doc := argDoc(parsed.Args, 1); len(doc) > 0 {
		opts.SetProjection(doc)
	}
	if mods.skip != nil {
		opts.SetSkip(*mods.skip)
	}

	var doc bson.D
	err := coll.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docsResult(nil, nil, started), nil
	}
	if err != nil {
		return nil, err
	}
	row, order := dToMap(doc)
	return docsResult([]map[string]interface{}{row}, order, started), nil
}

func (m *Mongo) execAggregate(ctx context.Context, coll *mongo.Collection, parsed *mongoshell.Query, mods *cursorMods, qopts QueryOptions, started time.Time) (*QueryResult, error) {
	if len(parsed.Args) == 0 {
		return nil, fmt.Errorf("aggregate requires a pipeline argument")
	}
	stages, ok := parsed.Args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("aggregate requires an array pipeline")
	}

	// Chained cursor methods become trailing pipeline stages.
	pipeline := make([]interface{}, len(stages))
	copy(pipeline, stages)
	if mods.sort != nil {
		pipeline = append(pipeline, bson.M{"$sort": mods.sort})
	}
	if mods.skip != nil {
		pipeline = append(pipeline, bson.M{"$skip": *mods.skip})
	}
	if limit := m.effectiveLimit(mods, qopts); limit > 0 {
		pipeline = append(pipeline, bson.M{"$limit": limit})
	}

	if qopts.Explain {
		cmd := bson.D{
			{Key: "aggregate", Value: coll.Name()},
			{Key: "pipeline", Value: pipeline},
			{Key: "cursor", Value: bson.M{}},
		}
		return m.explainCommand(ctx, coll, cmd, started)
	}

	cursor, err := coll.Aggregate(ctx, pipeline,
		options.Aggregate().SetMaxTime(m.settings.QueryTimeout))
	if err != nil {
		return nil, err
	}
	return collectMongoCursor(ctx, cursor, started)
}

// explainCommand wraps a command in explain and returns the plan as one row.
func (m *Mongo) explainCommand(ctx context.Context, coll *mongo.Collection, cmd bson.D, started time.Time) (*QueryResult, error) {
	explain := bson.D{
		{Key: "explain", Value: cmd},
		{Key: "verbosity", Value: "executionStats"},
	}
	return m.runCommandRow(ctx, coll.Database(), explain, started)
}

func (m *Mongo) execDistinct(ctx context.Context, coll *mongo.Collection, parsed *mongoshell.Query, started time.Time) (*QueryResult, error) {
	field, err := stringArg(parsed.Args, 0, "distinct")
	if err != nil {
		return nil, err
	}
	filter := orEmpty(argDoc(parsed.Args, 1))

	values, err := coll.Distinct(ctx, field, filter,
		options.Distinct().SetMaxTime(m.settings.QueryTimeout))
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]interface{}, 0, len(values))
	for _, v := range values {
		rows = append(rows, map[string]interface{}{"value": plainValue(v)})
	}
	return docsResult(rows, []string{"value"}, started), nil
}

func (m *Mongo) execUpdate(ctx context.Context, coll *mongo.Collection, parsed *mongoshell.Query, started time.Time) (*QueryResult, error) {
	if len(parsed.Args) < 2 {
		return nil, fmt.Errorf("%s requires filter and update arguments", parsed.Operation)
	}
	opts := options.Update()
	if o := argDoc(parsed.Args, 2); o != nil {
		if up, ok := o["upsert"].(bool); ok {
			opts.SetUpsert(up)
		}
	}

	var res *mongo.UpdateResult
	var err error
	if parsed.Operation == "updateOne" {
		res, err = coll.UpdateOne(ctx, parsed.Args[0], parsed.Args[1], opts)
	} else {
		res, err = coll.UpdateMany(ctx, parsed.Args[0], parsed.Args[1], opts)
	}
	if err != nil {
		return nil, err
	}
	return updateResultRow(res, started), nil
}

func updateResultRow(res *mongo.UpdateResult, started time.Time) *QueryResult {
	fields := map[string]interface{}{
		"acknowledged":  true,
		"matchedCount":  res.MatchedCount,
		"modifiedCount": res.ModifiedCount,
	}
	if res.UpsertedID != nil {
		fields["upsertedId"] = res.UpsertedID
	}
	return commandResult(fields, started)
}

func (m *Mongo) execFindOneAnd(ctx context.Context, coll *mongo.Collection, parsed *mongoshell.Query, started time.Time) (*QueryResult, error) {
	if len(parsed.Args) == 0 {
		return nil, fmt.Errorf("%s requires a filter argument", parsed.Operation)
	}
	filter := parsed.Args[0]

	var result *mongo.SingleResult
	switch parsed.Operation {
	case "findOneAndUpdate":
		if len(parsed.Args) < 2 {
			return nil, fmt.Errorf("findOneAndUpdate requires filter and update arguments")
		}
		result = coll.FindOneAndUpdate(ctx, filter, parsed.Args[1],
			options.FindOneAndUpdate().SetReturnDocument(options.After))
	case "findOneAndReplace":
		if len(parsed.Args) < 2 {
			return nil, fmt.Errorf("findOneAndReplace requires filter and replacement arguments")
		}
		result = coll.FindOneAndReplace(ctx, filter, parsed.Args[1],
			options.FindOneAndReplace().SetReturnDocument(options.After))
	default:
		result = coll.FindOneAndDelete(ctx, filter)
	}

	var doc bson.D
	err := result.Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docsResult(nil, nil, started), nil
	}
	if err != nil {
		return nil, err
	}
	row, order := dToMap(doc)
	return docsResult([]map[string]interface{}{row}, order, started), nil
}

func (m *Mongo) execBulkWrite(ctx context.Context, coll *mongo.Collection, parsed *mongoshell.Query, started time.Time) (*QueryResult, error) {
	if len(parsed.Args) == 0 {
		return nil, fmt.Errorf("bulkWrite requires an array of operations")
	}
	ops, ok := parsed.Args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("bulkWrite requires an array of operations")
	}

	models := make([]mongo.WriteModel, 0, len(ops))
	for i, raw := range ops {
		op, ok := raw.(map[string]interface{})
		if !ok || len(op) != 1 {
			return nil, fmt.Errorf("bulkWrite operation %d must be a single-key document", i)
		}
		model, err := bulkModel(op)
		if err != nil {
			return nil, fmt.Errorf("bulkWrite operation %d: %w", i, err)
		}
		models = append(models, model)
	}

	res, err := coll.BulkWrite(ctx, models)
	if err != nil {
		return nil, err
	}
	return commandResult(map[string]interface{}{
		"acknowledged":  true,
		"insertedCount": res.InsertedCount,
		"matchedCount":  res.MatchedCount,
		"modifiedCount": res.ModifiedCount,
		"deletedCount":  res.DeletedCount,
		"upsertedCount": res.UpsertedCount,
	}, started), nil
}

func bulkModel(op map[string]interface{}) (mongo.WriteModel, error) {
	for name, raw := range op {
		spec, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s spec must be a document", name)
		}
		switch name {
		case "insertOne":
			doc, ok := spec["document"]
			if !ok {
				return nil, fmt.Errorf("insertOne requires a document field")
			}
			return mongo.NewInsertOneModel().SetDocument(doc), nil
		case "updateOne", "updateMany":
			filter, update := spec["filter"], spec["update"]
			if filter == nil || update == nil {
				return nil, fmt.Errorf("%s requires filter and update fields", name)
			}
			if name == "updateOne" {
				model := mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update)
				if up, ok := spec["upsert"].(bool); ok {
					model.SetUpsert(up)
				}
				return model, nil
			}
			model := mongo.NewUpdateManyModel().SetFilter(filter).SetUpdate(update)
			if up, ok := spec["upsert"].(bool); ok {
				model.SetUpsert(up)
			}
			return model, nil
		case "replaceOne":
			filter, repl := spec["filter"], spec["replacement"]
			if filter == nil || repl == nil {
				return nil, fmt.Errorf("replaceOne requires filter and replacement fields")
			}
			return mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(repl), nil
		case "deleteOne", "deleteMany":
			filter := spec["filter"]
			if filter == nil {
				return nil, fmt.Errorf("%s requires a filter field", name)
			}
			if name == "deleteOne" {
				return mongo.NewDeleteOneModel().SetFilter(filter), nil
			}
			return mongo.NewDeleteManyModel().SetFilter(filter), nil
		default:
			return nil, fmt.Errorf("unsupported bulk operation %q", name)
		}
	}
	return nil, fmt.Errorf("empty bulk operation")
}

func (m *Mongo) execCreateIndex(ctx context.Context, coll *mongo.Collection, parsed *mongoshell.Query, started time.Time) (*QueryResult, error) {
	keys, ok := firstDoc(parsed.Args)
	if !ok {
		return nil, fmt.Errorf("createIndex requires a keys document")
	}

	idxOpts := options.Index()
	if o := argDoc(parsed.Args, 1); o != nil {
		if unique, ok := o["unique"].(bool); ok {
			idxOpts.SetUnique(unique)
		}
		if name, ok := o["name"].(string); ok {
			idxOpts.SetName(name)
		}
	}

	name, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys, Options: idxOpts})
	if err != nil {
		return nil, err
	}
	return commandResult(map[string]interface{}{"createdIndexName": name, "ok": true}, started), nil
}

// collectMongoCursor drains a cursor preserving field order for column
// inference: the union of top-level keys, typed by the first document that
// defines each key.
func collectMongoCursor(ctx context.Context, cursor *mongo.Cursor, started time.Time) (*QueryResult, error) {
	defer cursor.Close(ctx)

	var docs []bson.D
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var order []string
	rows := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		row, keys := dToMap(doc)
		rows = append(rows, row)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
			}
		}
	}
	return docsResult(rows, order, started), nil
}
