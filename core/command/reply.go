package command

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sushant-115/gojotxn/core/txnerr"
)

// OKReply returns {ok: 1}.
func OKReply() bson.Raw {
	return ToRaw(bson.D{{Key: "ok", Value: 1.0}})
}

// ErrorReply renders err as {ok: 0, errmsg, code, codeName}.
func ErrorReply(err error) bson.Raw {
	code := txnerr.CodeOf(err)
	return ToRaw(bson.D{
		{Key: "ok", Value: 0.0},
		{Key: "errmsg", Value: txnerr.Reason(err)},
		{Key: "code", Value: int32(code)},
		{Key: "codeName", Value: code.String()},
	})
}

// AppendFields returns reply with extra top-level fields appended.
func AppendFields(reply bson.Raw, fields ...bson.E) (bson.Raw, error) {
	var doc bson.D
	if err := bson.Unmarshal(reply, &doc); err != nil {
		return nil, err
	}
	doc = append(doc, fields...)
	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return bson.Raw(b), nil
}

// StatusFromResult converts the ok/code/errmsg fields of a reply into an error.
// A reply without an ok field is an error.
func StatusFromResult(reply bson.Raw) error {
	okVal, err := reply.LookupErr("ok")
	if err != nil {
		return txnerr.New(txnerr.FailedToParse, "reply is missing the 'ok' field")
	}
	if ok, _ := AsInt64(okVal); ok == 1 {
		return nil
	}
	return statusFromErrorDoc(reply, txnerr.UnknownError)
}

// WriteConcernStatusFromResult returns the writeConcernError of a reply, if any.
func WriteConcernStatusFromResult(reply bson.Raw) error {
	wce, err := reply.LookupErr("writeConcernError")
	if err != nil {
		return nil
	}
	doc, ok := wce.DocumentOK()
	if !ok {
		return txnerr.New(txnerr.FailedToParse, "writeConcernError must be a document")
	}
	return statusFromErrorDoc(doc, txnerr.WriteConcernFailed)
}

func statusFromErrorDoc(doc bson.Raw, defaultCode txnerr.Code) error {
	code := defaultCode
	if v, err := doc.LookupErr("code"); err == nil {
		if n, ok := AsInt64(v); ok {
			code = txnerr.Code(n)
		}
	}
	msg := ""
	if v, err := doc.LookupErr("errmsg"); err == nil {
		msg, _ = v.StringValueOK()
	}
	return txnerr.New(code, msg)
}

// AsInt64 reads a numeric or boolean value as an integer.
func AsInt64(v bson.RawValue) (int64, bool) {
	switch v.Type {
	case bson.TypeInt32:
		return int64(v.Int32()), true
	case bson.TypeInt64:
		return v.Int64(), true
	case bson.TypeDouble:
		return int64(v.Double()), true
	case bson.TypeBoolean:
		if v.Boolean() {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// BoolField reads an optional boolean field of a reply.
func BoolField(reply bson.Raw, field string) (value bool, present bool) {
	v, err := reply.LookupErr(field)
	if err != nil {
		return false, false
	}
	n, ok := AsInt64(v)
	return n != 0, ok
}
