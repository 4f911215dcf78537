package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-expense-approvals/internal/platform/logger"
)

func startGRPC(t *testing.T, h *harness) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor()))
	RegisterExpenseApprovalsServer(srv, NewGRPCHandler(h.approvals, logger.Nop()))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func as(userID string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "x-user-id", userID)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestGRPC_ExpenseLifecycle(t *testing.T) {
	h := newHarness(t)
	s := h.seed(t)
	client := NewExpenseApprovalsClient(startGRPC(t, h))

	submit := mustStruct(t, map[string]any{"company_id": s.companyID, "amount": 125.5, "category": "meals"})

	_, err := client.Call(context.Background(), "SubmitExpense", submit)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	out, err := client.Call(as(s.employeeID), "SubmitExpense", submit)
	require.NoError(t, err)
	fields := out.GetFields()
	expenseID := fields["id"].GetStringValue()
	require.NotEmpty(t, expenseID)
	assert.Equal(t, "PENDING", fields["status"].GetStringValue())
	assert.Equal(t, "125.5", fields["amount"].GetStringValue())

	pending, err := client.Call(as(s.managerID), "GetPendingApprovals", &structpb.Struct{})
	require.NoError(t, err)
	assert.Len(t, pending.GetFields()["pending"].GetListValue().GetValues(), 1)

	_, err = client.Call(as(s.employeeID), "ProcessApproval",
		mustStruct(t, map[string]any{"expense_id": expenseID, "decision": "APPROVE"}))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out, err = client.Call(as(s.managerID), "ProcessApproval",
		mustStruct(t, map[string]any{"expense_id": expenseID, "decision": "APPROVE"}))
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", out.GetFields()["status"].GetStringValue())

	_, err = client.Call(as(s.managerID), "ProcessApproval",
		mustStruct(t, map[string]any{"expense_id": expenseID, "decision": "APPROVE"}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = client.Call(as(s.employeeID), "EscalateExpense",
		mustStruct(t, map[string]any{"expense_id": expenseID, "reason": "late"}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "terminal expenses cannot be escalated")

	detail, err := client.Call(as(s.employeeID), "GetExpense", mustStruct(t, map[string]any{"id": expenseID}))
	require.NoError(t, err)
	assert.Len(t, detail.GetFields()["approvers"].GetListValue().GetValues(), 1)

	history, err := client.Call(as(s.employeeID), "GetApprovalHistory", mustStruct(t, map[string]any{"id": expenseID}))
	require.NoError(t, err)
	assert.NotEmpty(t, history.GetFields()["history"].GetListValue().GetValues())

	_, err = client.Call(as(s.employeeID), "GetExpense", mustStruct(t, map[string]any{"id": "missing"}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Call(as(s.employeeID), "GetExpense", &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_Health(t *testing.T) {
	conn := startGRPC(t, newHarness(t))
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestMapErrorToGRPC(t *testing.T) {
	assert.NoError(t, mapErrorToGRPC(nil))
	assert.Equal(t, codes.Internal, status.Code(mapErrorToGRPC(assert.AnError)))
	assert.Equal(t, "internal error", status.Convert(mapErrorToGRPC(assert.AnError)).Message())
}
