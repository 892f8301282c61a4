package forward

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// This file defines the AlertForward gRPC service by hand: a client-streaming
// RPC carrying one wrapperspb.BytesValue per alert (its JSON encoding) and
// returning a single wrapperspb.BytesValue ack once the stream closes.
// wrapperspb's well-known types ship pre-generated inside
// google.golang.org/protobuf, so this service is expressed without running
// protoc — see DESIGN.md for why the teacher's own protoc-generated
// alertpb package could not be reproduced here.

const alertForwardServiceName = "sentinel.AlertForward"

// AlertForwardClient is the hand-written client stub for the AlertForward
// service, mirroring the shape protoc-gen-go-grpc would emit for a
// client-streaming RPC.
type AlertForwardClient interface {
	StreamAlerts(ctx context.Context, opts ...grpc.CallOption) (AlertForward_StreamAlertsClient, error)
}

type alertForwardClient struct {
	cc grpc.ClientConnInterface
}

// NewAlertForwardClient wraps an established grpc.ClientConn.
func NewAlertForwardClient(cc grpc.ClientConnInterface) AlertForwardClient {
	return &alertForwardClient{cc: cc}
}

func (c *alertForwardClient) StreamAlerts(ctx context.Context, opts ...grpc.CallOption) (AlertForward_StreamAlertsClient, error) {
	stream, err := c.cc.NewStream(ctx, &alertForwardStreamDesc, alertForwardServiceName+"/StreamAlerts", opts...)
	if err != nil {
		return nil, err
	}
	return &alertForwardStreamClient{stream}, nil
}

// AlertForward_StreamAlertsClient is the client side of the StreamAlerts
// client-streaming RPC: send any number of alerts, then CloseAndRecv for the
// server's final ack.
type AlertForward_StreamAlertsClient interface {
	Send(*wrapperspb.BytesValue) error
	CloseAndRecv() (*wrapperspb.BytesValue, error)
}

type alertForwardStreamClient struct {
	grpc.ClientStream
}

func (c *alertForwardStreamClient) Send(m *wrapperspb.BytesValue) error {
	return c.ClientStream.SendMsg(m)
}

func (c *alertForwardStreamClient) CloseAndRecv() (*wrapperspb.BytesValue, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(wrapperspb.BytesValue)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}

var alertForwardStreamDesc = grpc.StreamDesc{
	StreamName:    "StreamAlerts",
	ClientStreams: true,
}
