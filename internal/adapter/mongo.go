package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/mongoshell"
)

// Mongo adapts a driver client to the gateway contract. Pooling is delegated
// to the driver; one client serves the whole session.
type Mongo struct {
	settings Settings

	mu        sync.Mutex
	client    *mongo.Client
	defaultDB string
	// useDB tracks the database selected by a shell "use" command.
	useDB   string
	health  *healthLoop
	session mongo.Session
}

func NewMongo(settings Settings) *Mongo {
	return &Mongo{settings: settings}
}

func (m *Mongo) Kind() config.Kind { return config.KindMongo }

func (m *Mongo) Connect(ctx context.Context, rawURL string) error {
	opts := options.Client().
		ApplyURI(rawURL).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("ping mongo: %w", err)
	}

	defaultDB := databaseFromURL(rawURL)
	if defaultDB == "" {
		defaultDB = "test"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = client
	m.defaultDB = defaultDB
	// Mongo connections recover on their own; a failed ping is logged but
	// the client stays up.
	m.health = startHealthLoop(config.KindMongo, m.ping, healthProbe(m.settings, config.KindMongo), func(error) {})
	return nil
}

func (m *Mongo) ping(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	h := m.health
	m.health = nil
	client := m.client
	m.client = nil
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	if h != nil {
		h.stop()
	}
	if sess != nil {
		if err := sess.AbortTransaction(ctx); err != nil {
			slog.Warn("abort on disconnect failed", "kind", config.KindMongo, "error", err)
		}
		sess.EndSession(ctx)
	}
	if client != nil {
		return client.Disconnect(ctx)
	}
	return nil
}

func (m *Mongo) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil
}

func (m *Mongo) IsTransactionActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

func (m *Mongo) BeginTransaction(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return ErrNotConnected
	}
	if m.session != nil {
		return ErrTransactionActive
	}

	sess, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if err := sess.StartTransaction(); err != nil {
		sess.EndSession(ctx)
		return fmt.Errorf("start transaction: %w", err)
	}
	m.session = sess
	return nil
}

func (m *Mongo) CommitTransaction(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()
	if sess == nil {
		return ErrNoTransaction
	}
	err := sess.CommitTransaction(ctx)
	sess.EndSession(ctx)
	return err
}

func (m *Mongo) RollbackTransaction(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()
	if sess == nil {
		return ErrNoTransaction
	}
	err := sess.AbortTransaction(ctx)
	sess.EndSession(ctx)
	return err
}

// opContext applies the query timeout and binds the active transaction
// session, if any.
func (m *Mongo) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, m.settings.QueryTimeout)
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess != nil {
		ctx = mongo.NewSessionContext(ctx, sess)
	}
	return ctx, cancel
}

// deprecatedOps maps removed shell helpers to their modern replacements.
var deprecatedOps = map[string]string{
	"findAndModify": "findOneAndUpdate",
	"group":         "aggregate with a $group stage",
	"mapReduce":     "aggregate",
	"insert":        "insertOne or insertMany",
	"update":        "updateOne or updateMany",
	"remove":        "deleteOne or deleteMany",
	"save":          "insertOne or replaceOne",
	"ensureIndex":   "createIndex",
	"copyTo":        "aggregate with an $out stage",
}

func (m *Mongo) ExecuteQuery(ctx context.Context, query, database string, opts QueryOptions) (*QueryResult, error) {
	started := time.Now()

	m.mu.Lock()
	client := m.client
	useDB := m.useDB
	defaultDB := m.defaultDB
	m.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}

	parsed, err := mongoshell.Parse(query)
	if err != nil {
		return nil, err
	}

	if replacement, ok := deprecatedOps[parsed.Operation]; ok {
		return nil, fmt.Errorf("%s is no longer supported; use %s instead", parsed.Operation, replacement)
	}

	dbName := parsed.Database
	if dbName == "" {
		dbName = database
	}
	if dbName == "" {
		dbName = useDB
	}
	if dbName == "" {
		dbName = defaultDB
	}

	ctx, cancel := m.opContext(ctx)
	defer cancel()

	switch parsed.Target {
	case mongoshell.TargetAdmin:
		return m.execAdmin(ctx, client, parsed, started)
	case mongoshell.TargetDB:
		return m.execDB(ctx, client, dbName, parsed, opts, started)
	default:
		return m.execCollection(ctx, client.Database(dbName).Collection(parsed.Collection), parsed, opts, started)
	}
}

func (m *Mongo) execAdmin(ctx context.Context, client *mongo.Client, parsed *mongoshell.Query, started time.Time) (*QueryResult, error) {
	switch parsed.Operation {
	case "listDatabases":
		res, err := client.ListDatabases(ctx, bson.M{})
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]interface{}, 0, len(res.Databases))
		for _, db := range res.Databases {
			rows = append(rows, map[string]interface{}{
				"name":       db.Name,
				"sizeOnDisk": db.SizeOnDisk,
				"empty":      db.Empty,
			})
		}
		return docsResult(rows, []string{"name", "sizeOnDisk", "empty"}, started), nil
	case "stats", "serverStatus":
		return m.runCommandRow(ctx, client.Database("admin"), bson.D{{Key: "serverStatus", Value: 1}}, started)
	default:
		return nil, fmt.Errorf("unsupported admin operation %q", parsed.Operation)
	}
}

func (m *Mongo) execDB(ctx context.Context, client *mongo.Client, dbName string, parsed *mongoshell.Query, opts QueryOptions, started time.Time) (*QueryResult, error) {
	db := client.Database(dbName)

	switch parsed.Operation {
	case "use":
		m.mu.Lock()
		m.useDB = parsed.Database
		m.mu.Unlock()
		return commandResult(map[string]interface{}{
			"ok":       true,
			"database": parsed.Database,
		}, started), nil

	case "stats":
		return m.runCommandRow(ctx, db, bson.D{{Key: "dbStats", Value: 1}}, started)

	case "listDatabases":
		return m.execAdmin(ctx, client, &mongoshell.Query{Operation: "listDatabases"}, started)

	case "dropDatabase":
		if shouldSimulate(opts) {
			return simulatedResult("dropDatabase", started), nil
		}
		if err := db.Drop(ctx); err != nil {
			return nil, err
		}
		return commandResult(map[string]interface{}{"dropped": dbName, "ok": true}, started), nil

	case "dropCollection":
		name, err := stringArg(parsed.Args, 0, "dropCollection")
		if err != nil {
			return nil, err
		}
		if shouldSimulate(opts) {
			return simulatedResult("dropCollection", started), nil
		}
		if err := db.Collection(name).Drop(ctx); err != nil {
			return nil, err
		}
		return commandResult(map[string]interface{}{"dropped": name, "ok": true}, started), nil

	case "createCollection":
		name, err := stringArg(parsed.Args, 0, "createCollection")
		if err != nil {
			return nil, err
		}
		if err := db.CreateCollection(ctx, name); err != nil {
			return nil, err
		}
		return commandResult(map[string]interface{}{"created": name, "ok": true}, started), nil

	case "listCollections", "getCollectionNames":
		specs, err := db.ListCollectionSpecifications(ctx, bson.M{})
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]interface{}, 0, len(specs))
		for _, spec := range specs {
			rows = append(rows, map[string]interface{}{
				"name": spec.Name,
				"type": spec.Type,
			})
		}
		return docsResult(rows, []string{"name", "type"}, started), nil

	default:
		return nil, fmt.Errorf("unsupported database operation %q", parsed.Operation)
	}
}

// runCommandRow runs a command and returns its reply as a single row.
func (m *Mongo) runCommandRow(ctx context.Context, db *mongo.Database, cmd bson.D, started time.Time) (*QueryResult, error) {
	var doc bson.D
	if err := db.RunCommand(ctx, cmd).Decode(&doc); err != nil {
		return nil, err
	}
	row, order := dToMap(doc)
	return docsResult([]map[string]interface{}{row}, order, started), nil
}

// docsResult wraps already-mapped rows with columns in the given order, types
// inferred from the first row defining each key.
func docsResult(rows []map[string]interface{}, order []string, started time.Time) *QueryResult {
	cols := make([]Column, 0, len(order))
	for _, name := range order {
		typ := "null"
		for _, row := range rows {
			if v, ok := row[name]; ok && v != nil {
				typ = inferTypeName(v)
				break
			}
		}
		cols = append(cols, Column{Name: name, Type: typ})
	}
	return &QueryResult{
		Rows:            rows,
		Columns:         cols,
		RowCount:        len(rows),
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}
}

// dToMap converts a decoded bson.D into a plain map plus its key order,
// recursing into nested documents and arrays.
func dToMap(d bson.D) (map[string]interface{}, []string) {
	out := make(map[string]interface{}, len(d))
	order := make([]string, 0, len(d))
	for _, e := range d {
		out[e.Key] = plainValue(e.Value)
		order = append(order, e.Key)
	}
	return out, order
}

func plainValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.D:
		m, _ := dToMap(val)
		return m
	case bson.A:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = plainValue(item)
		}
		return out
	default:
		return v
	}
}

func stringArg(args []interface{}, i int, op string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%s requires a name argument", op)
	}
	s, ok := args[i].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s requires a string name argument", op)
	}
	return s, nil
}

// systemMongoDatabases are hidden from listings and protected from cleanup.
var systemMongoDatabases = map[string]bool{
	"admin":  true,
	"local":  true,
	"config": true,
}

func (m *Mongo) GetDatabases(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}

	all, err := client.ListDatabaseNames(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range all {
		if !systemMongoDatabases[name] {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m *Mongo) GetTables(ctx context.Context, database string) ([]TableInfo, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}

	specs, err := client.Database(database).ListCollectionSpecifications(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var tables []TableInfo
	for _, spec := range specs {
		kind := "table"
		if spec.Type == "view" {
			kind = "view"
		}
		tables = append(tables, TableInfo{Name: spec.Name, Type: kind})
	}
	return tables, nil
}

// GetColumns samples documents and reports the union of top-level fields.
// Every field is nullable in a schemaless store; _id doubles as the primary
// key.
func (m *Mongo) GetColumns(ctx context.Context, database, collection string) ([]ColumnInfo, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}

	sample := m.settings.SampleSize
	if sample <= 0 {
		sample = 100
	}
	cursor, err := client.Database(database).Collection(collection).
		Find(ctx, bson.M{}, options.Find().SetLimit(int64(sample)))
	if err != nil {
		return nil, err
	}
	var docs []bson.D
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var cols []ColumnInfo
	for _, doc := range docs {
		for _, e := range doc {
			if seen[e.Key] {
				continue
			}
			seen[e.Key] = true
			cols = append(cols, ColumnInfo{
				Name:       e.Key,
				Type:       inferTypeName(plainValue(e.Value)),
				Nullable:   true,
				PrimaryKey: e.Key == "_id",
			})
		}
	}
	return cols, nil
}

func (m *Mongo) GetServerVersion(ctx context.Context) (string, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return "", ErrNotConnected
	}

	var info struct {
		Version string `bson:"version"`
	}
	err := client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).
		Decode(&info)
	return info.Version, err
}

func (m *Mongo) CleanupDatabase(ctx context.Context, database string) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return client.Database(database).Drop(ctx)
}

func (m *Mongo) DropAllUserDatabases(ctx context.Context) error {
	names, err := m.GetDatabases(ctx)
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}
	for _, name := range names {
		if err := m.CleanupDatabase(ctx, name); err != nil {
			slog.Error("cleanup: drop failed",
				"kind", config.KindMongo,
				"database", name,
				"error", err)
		}
	}
	return nil
}
