package schema

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rowloader/internal/core/apperror"
)

// ShapeOf derives a shape from the "db" tags of struct T. Embedded structs
// are flattened, pointer and sql.Null* fields are nullable.
//
// Usage:
//
//	type User struct {
//		ID    int64   `db:"id"`
//		Email *string `db:"email"`
//	}
//	shape, err := schema.ShapeOf[User]("users")
func ShapeOf[T any](name string) (Shape, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return Shape{}, apperror.NewConfiguration(fmt.Sprintf("shape source %s is not a struct", t))
	}

	meta := metadataOf(t)
	s := Shape{Name: name, Fields: make([]FieldDef, 0, len(meta.fields))}
	for _, fi := range meta.fields {
		s.Fields = append(s.Fields, fi.def)
	}
	if err := s.Validate(); err != nil {
		return Shape{}, err
	}
	return s, nil
}

// MustShapeOf is ShapeOf for package-level declarations.
func MustShapeOf[T any](name string) Shape {
	s, err := ShapeOf[T](name)
	if err != nil {
		panic(err)
	}
	return s
}

// RowOf converts a struct to a Row using "db" tags.
func RowOf(v any) Row {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	meta := metadataOf(rv.Type())
	row := make(Row, len(meta.fields))
	for _, fi := range meta.fields {
		f, ok := fieldByIndex(rv, fi.index)
		if !ok {
			row[fi.def.Name] = nil
			continue
		}
		row[fi.def.Name] = rowValue(f)
	}
	return row
}

type fieldInfo struct {
	index []int
	def   FieldDef
}

type typeMetadata struct {
	fields []fieldInfo
}

var typeCache sync.Map // map[reflect.Type]*typeMetadata

func metadataOf(t reflect.Type) *typeMetadata {
	if cached, ok := typeCache.Load(t); ok {
		return cached.(*typeMetadata)
	}
	meta := &typeMetadata{}
	collectFields(t, nil, meta)
	actual, _ := typeCache.LoadOrStore(t, meta)
	return actual.(*typeMetadata)
}

func collectFields(t reflect.Type, prefix []int, meta *typeMetadata) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		index := append(append([]int(nil), prefix...), i)

		if field.Anonymous {
			if !field.IsExported() {
				continue
			}
			et := field.Type
			if et.Kind() == reflect.Ptr {
				et = et.Elem()
			}
			if et.Kind() == reflect.Struct {
				collectFields(et, index, meta)
			}
			continue
		}

		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" || !field.IsExported() {
			continue
		}
		typ, nullable := fieldTypeOf(field.Type)
		meta.fields = append(meta.fields, fieldInfo{
			index: index,
			def:   FieldDef{Name: tag, Type: typ, Nullable: nullable},
		})
	}
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	uuidType    = reflect.TypeOf(uuid.UUID{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
	rawJSONType = reflect.TypeOf(json.RawMessage{})
	bytesType   = reflect.TypeOf([]byte{})
)

var nullTypes = map[reflect.Type]FieldType{
	reflect.TypeOf(sql.NullString{}):      TypeString,
	reflect.TypeOf(sql.NullInt64{}):       TypeInteger,
	reflect.TypeOf(sql.NullInt32{}):       TypeInteger,
	reflect.TypeOf(sql.NullInt16{}):       TypeInteger,
	reflect.TypeOf(sql.NullFloat64{}):     TypeNumber,
	reflect.TypeOf(sql.NullBool{}):        TypeBoolean,
	reflect.TypeOf(sql.NullTime{}):        TypeDate,
	reflect.TypeOf(decimal.NullDecimal{}): TypeNumber,
	reflect.TypeOf(uuid.NullUUID{}):       TypeUUID,
}

func fieldTypeOf(t reflect.Type) (FieldType, bool) {
	if ft, ok := nullTypes[t]; ok {
		return ft, true
	}
	if t.Kind() == reflect.Ptr {
		ft, _ := fieldTypeOf(t.Elem())
		return ft, true
	}

	switch t {
	case timeType:
		return TypeDate, false
	case uuidType:
		return TypeUUID, false
	case decimalType:
		return TypeNumber, false
	case rawJSONType:
		return TypeJSON, true
	case bytesType:
		return TypeBytes, true
	}

	switch t.Kind() {
	case reflect.String:
		return TypeString, false
	case reflect.Bool:
		return TypeBoolean, false
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeInteger, false
	case reflect.Float32, reflect.Float64:
		return TypeNumber, false
	case reflect.Map, reflect.Slice:
		return TypeJSON, true
	case reflect.Struct, reflect.Array:
		return TypeJSON, false
	}
	return TypeAny, true
}

// fieldByIndex is reflect.Value.FieldByIndex that stops at nil embedded
// pointers instead of panicking.
func fieldByIndex(v reflect.Value, index []int) (reflect.Value, bool) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v, true
}

// rowValue unwraps pointers and sql.Null* wrappers to the value a
// database driver would return.
func rowValue(v reflect.Value) any {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch x := v.Interface().(type) {
	case decimal.NullDecimal:
		if !x.Valid {
			return nil
		}
		return x.Decimal
	case uuid.NullUUID:
		if !x.Valid {
			return nil
		}
		return x.UUID
	case driver.Valuer:
		if _, ok := nullTypes[v.Type()]; ok {
			dv, err := x.Value()
			if err != nil {
				return nil
			}
			return dv
		}
	}
	return v.Interface()
}
