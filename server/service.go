package server

import (
	"context"
	"fmt"
	"reflect"

	"mini-grpc/middleware"
	"mini-grpc/stream"
)

// MethodDesc is one method of a service.
type MethodDesc struct {
	Name    string
	Shape   stream.Shape
	Handler middleware.Handler
}

// ServiceDesc is what a generated stub registers.
type ServiceDesc struct {
	// Name is the fully qualified service name, e.g. "pkg.Echo".
	Name    string
	Methods []MethodDesc
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// NewServiceDesc builds a descriptor by reflection over rcvr. Every exported
// method of the form
//
//	func (r *T) Name(ctx context.Context, req *Req) (*Resp, error)
//
// becomes a unary method. The service name defaults to the type name.
func NewServiceDesc(name string, rcvr any) (*ServiceDesc, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	val := reflect.ValueOf(rcvr)

	desc := &ServiceDesc{Name: name}
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !isUnaryMethod(method.Type) {
			continue
		}
		desc.Methods = append(desc.Methods, MethodDesc{
			Name:    method.Name,
			Shape:   stream.Unary,
			Handler: reflectHandler(val, method),
		})
	}
	if len(desc.Methods) == 0 {
		return nil, fmt.Errorf("server: %s has no exported method of the form func(context.Context, *Req) (*Resp, error)", name)
	}
	return desc, nil
}

// isUnaryMethod checks (receiver, ctx, *Req) → (*Resp, error).
func isUnaryMethod(mt reflect.Type) bool {
	return mt.NumIn() == 3 && mt.NumOut() == 2 &&
		mt.In(1) == contextType &&
		mt.In(2).Kind() == reflect.Ptr &&
		mt.Out(0).Kind() == reflect.Ptr &&
		mt.Out(1) == errorType
}

func reflectHandler(rcvr reflect.Value, method reflect.Method) middleware.Handler {
	argType := method.Type.In(2).Elem()
	return func(ctx context.Context, ss stream.ServerStream) error {
		argv := reflect.New(argType)
		if err := ss.RecvMsg(argv.Interface()); err != nil {
			return err
		}
		args := [3]reflect.Value{rcvr, reflect.ValueOf(ctx), argv}
		results := method.Func.Call(args[:])
		if errv := results[1]; !errv.IsNil() {
			return errv.Interface().(error)
		}
		return ss.SendMsg(results[0].Interface())
	}
}
