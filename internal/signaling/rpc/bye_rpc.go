package rpc

import "encoding/json"

type ByeRpc struct {
	jsonRpcHead
	Params interface{} `json:"params"`
}

func NewByeRpc() *ByeRpc {
	return &ByeRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  ByeMethod,
		},
		Params: nil,
	}
}

func (r ByeRpc) GetMethod() Method {
	return r.Method
}

func (r ByeRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
