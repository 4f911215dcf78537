package handler

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "expenseapprovals.v1.ExpenseApprovals"

// ExpenseApprovalsServer is the gRPC surface. Messages are JSON objects
// carried as google.protobuf.Struct.
type ExpenseApprovalsServer interface {
	SubmitExpense(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EscalateExpense(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetExpense(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPendingApprovals(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetApprovalHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ExpenseApprovalsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ExpenseApprovalsServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc registers ExpenseApprovalsServer on a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExpenseApprovalsServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("SubmitExpense", ExpenseApprovalsServer.SubmitExpense),
		unaryMethod("ProcessApproval", ExpenseApprovalsServer.ProcessApproval),
		unaryMethod("EscalateExpense", ExpenseApprovalsServer.EscalateExpense),
		unaryMethod("GetExpense", ExpenseApprovalsServer.GetExpense),
		unaryMethod("GetPendingApprovals", ExpenseApprovalsServer.GetPendingApprovals),
		unaryMethod("GetApprovalHistory", ExpenseApprovalsServer.GetApprovalHistory),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "expenseapprovals/v1/expense_approvals.proto",
}

// RegisterExpenseApprovalsServer registers srv on s.
func RegisterExpenseApprovalsServer(s grpc.ServiceRegistrar, srv ExpenseApprovalsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ExpenseApprovalsClient calls the service over conn.
type ExpenseApprovalsClient struct {
	conn grpc.ClientConnInterface
}

// NewExpenseApprovalsClient creates a client.
func NewExpenseApprovalsClient(conn grpc.ClientConnInterface) *ExpenseApprovalsClient {
	return &ExpenseApprovalsClient{conn: conn}
}

// Call invokes method with in and returns the response object.
func (c *ExpenseApprovalsClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCHandler implements ExpenseApprovalsServer.
type GRPCHandler struct {
	approvals *service.ApprovalWorkflowService
	log       *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(approvals *service.ApprovalWorkflowService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{approvals: approvals, log: log.With("grpc")}
}

var _ ExpenseApprovalsServer = (*GRPCHandler)(nil)

// SubmitExpense submits an expense for the calling user.
func (h *GRPCHandler) SubmitExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uc, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var body submitExpenseBody
	if err := fromStruct(in, &body); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	h.log.Info().
		Str("user_id", uc.UserID).
		Str("amount", body.Amount.String()).
		Msg("gRPC SubmitExpense called")

	req, err := body.toRequest(uc)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	expense, err := h.approvals.SubmitExpense(ctx, req)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to submit expense")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(expense)
}

// ProcessApproval records the caller's decision.
func (h *GRPCHandler) ProcessApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uc, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var body struct {
		ExpenseID string `json:"expense_id"`
		Decision  string `json:"decision"`
		Comment   string `json:"comment"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	h.log.Info().
		Str("expense_id", body.ExpenseID).
		Str("approver_id", uc.UserID).
		Str("decision", body.Decision).
		Msg("gRPC ProcessApproval called")

	decision := repository.Decision(strings.ToUpper(body.Decision))
	expense, err := h.approvals.ProcessApproval(ctx, body.ExpenseID, uc.UserID, decision, body.Comment)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(expense)
}

// EscalateExpense escalates on behalf of the caller.
func (h *GRPCHandler) EscalateExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uc, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	var body struct {
		ExpenseID string `json:"expense_id"`
		Reason    string `json:"reason"`
	}
	if err := fromStruct(in, &body); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	expense, err := h.approvals.EscalateExpense(ctx, body.ExpenseID, uc.UserID, body.Reason)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(expense)
}

// GetExpense returns an expense with its approval chain.
func (h *GRPCHandler) GetExpense(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := auth.GetUserContext(ctx); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, mapErrorToGRPC(errors.InvalidInput("id", "expense id is required"))
	}

	expense, err := h.approvals.GetExpense(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	approvers, err := h.approvals.GetExpenseApprovers(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(expenseDetail{Expense: expense, Approvers: approvers})
}

// GetPendingApprovals lists the caller's active chain entries.
func (h *GRPCHandler) GetPendingApprovals(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	uc, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	pending, err := h.approvals.GetPendingApprovalsForUser(ctx, uc.UserID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"pending": pending})
}

// GetApprovalHistory returns an expense's audit trail.
func (h *GRPCHandler) GetApprovalHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := auth.GetUserContext(ctx); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, mapErrorToGRPC(errors.InvalidInput("id", "expense id is required"))
	}

	history, err := h.approvals.GetApprovalHistory(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"history": history})
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return errors.InvalidInput("request", "malformed message")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.InvalidInput("request", err.Error())
	}
	return nil
}

// toStruct encodes v as a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeAlreadyExists:
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.ErrCodeConflict:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
